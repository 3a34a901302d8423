// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"crypto/sha1"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"github.com/xtaci/kinebus"
	"github.com/xtaci/kinebus/generic"
	"github.com/xtaci/kinebus/std"
	"github.com/xtaci/qpp"
)

const (
	// SALT is use for pbkdf2 key expansion
	SALT = "kinebus"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// add more log flags for debugging
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "kinebus"
	myApp.Usage = "client(load driver)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "remoteaddr, r",
			Value: "127.0.0.1:29900",
			Usage: `endpoint address, eg: "IP:29900" for a single port, "IP:minport-maxport" for port range`,
		},
		cli.StringFlag{
			Name:  "transport",
			Value: "tcp",
			Usage: "transport to reach the endpoint: tcp, tls, kcp",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secrect",
			Usage:  "pre-shared secret between client and server",
			EnvVar: "KINEBUS_KEY",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "kcp transport encryption: aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null",
		},
		cli.StringFlag{
			Name:  "mode",
			Value: "fast",
			Usage: "kcp profiles: fast3, fast2, fast, normal, manual",
		},
		cli.IntFlag{
			Name:  "conn",
			Value: 1,
			Usage: "set num of connections to the endpoint",
		},
		cli.IntFlag{
			Name:  "senders",
			Value: 1,
			Usage: "set num of bus sender threads",
		},
		cli.IntFlag{
			Name:  "listeners",
			Value: 1,
			Usage: "set num of bus listener threads",
		},
		cli.IntFlag{
			Name:  "workers",
			Value: 4,
			Usage: "set num of callback worker threads",
		},
		cli.IntFlag{
			Name:  "queuedepth",
			Value: 1024,
			Usage: "callback queue depth before backpressure",
		},
		cli.IntFlag{
			Name:  "requests, n",
			Value: 1024,
			Usage: "total requests to send",
		},
		cli.IntFlag{
			Name:  "concurrency",
			Value: 16,
			Usage: "requests in flight at once",
		},
		cli.IntFlag{
			Name:  "payloadsize",
			Value: 128,
			Usage: "request value size in bytes",
		},
		cli.IntFlag{
			Name:  "timeout",
			Value: 5,
			Usage: "per-request timeout in seconds",
		},
		cli.IntFlag{
			Name:  "completionsec",
			Value: 10,
			Usage: "seconds a submission may wait on transmission",
		},
		cli.BoolFlag{
			Name:  "tls-skip-verify",
			Usage: "skip certificate verification on the tls transport",
		},
		cli.StringFlag{
			Name:  "tls-server-name",
			Value: "",
			Usage: "expected server name on the tls transport",
		},
		cli.BoolFlag{
			Name:  "QPP",
			Usage: "enable Quantum Permutation Pads(QPP)",
		},
		cli.IntFlag{
			Name:  "QPPCount",
			Value: 61,
			Usage: "the prime number of pads to use for QPP: The more pads you use, the more secure the encryption. Each pad requires 256 bytes.",
		},
		cli.IntFlag{
			Name:  "mtu",
			Value: 1350,
			Usage: "set maximum transmission unit for UDP packets",
		},
		cli.IntFlag{
			Name:  "sndwnd",
			Value: 128,
			Usage: "set send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 512,
			Usage: "set receive window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "datashard,ds",
			Value: 10,
			Usage: "set reed-solomon erasure coding - datashard",
		},
		cli.IntFlag{
			Name:  "parityshard,ps",
			Value: 3,
			Usage: "set reed-solomon erasure coding - parityshard",
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304, // socket buffer size in bytes
			Usage: "per-socket buffer in bytes",
		},
		cli.IntFlag{
			Name:   "nodelay",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "interval",
			Value:  50,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "resend",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "nc",
			Value:  0,
			Hidden: true,
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression",
		},
		cli.StringFlag{
			Name:  "statslog",
			Value: "",
			Usage: "collect bus stats to file, aware of timeformat in golang, like: ./stats-20060102.log",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collect period, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress per-response messages",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "to emulate a TCP connection(linux), kcp transport only",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when the value is not empty, the config path must exists
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.RemoteAddr = c.String("remoteaddr")
		config.Transport = c.String("transport")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
		config.Conn = c.Int("conn")
		config.Senders = c.Int("senders")
		config.Listeners = c.Int("listeners")
		config.Workers = c.Int("workers")
		config.QueueDepth = c.Int("queuedepth")
		config.Requests = c.Int("requests")
		config.Concurrency = c.Int("concurrency")
		config.PayloadSize = c.Int("payloadsize")
		config.Timeout = c.Int("timeout")
		config.CompletionSec = c.Int("completionsec")
		config.TLSSkipVerify = c.Bool("tls-skip-verify")
		config.TLSServerName = c.String("tls-server-name")
		config.QPP = c.Bool("QPP")
		config.QPPCount = c.Int("QPPCount")
		config.MTU = c.Int("mtu")
		config.SndWnd = c.Int("sndwnd")
		config.RcvWnd = c.Int("rcvwnd")
		config.DataShard = c.Int("datashard")
		config.ParityShard = c.Int("parityshard")
		config.SockBuf = c.Int("sockbuf")
		config.NoDelay = c.Int("nodelay")
		config.Interval = c.Int("interval")
		config.Resend = c.Int("resend")
		config.NoCongestion = c.Int("nc")
		config.NoComp = c.Bool("nocomp")
		config.Log = c.String("log")
		config.StatsLog = c.String("statslog")
		config.StatsPeriod = c.Int("statsperiod")
		config.Quiet = c.Bool("quiet")
		config.TCP = c.Bool("tcp")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// log redirect
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		switch config.Mode {
		case "normal":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 40, 2, 1
		case "fast":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 30, 2, 1
		case "fast2":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 20, 2, 1
		case "fast3":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 10, 2, 1
		}

		log.Println("version:", VERSION)
		log.Println("remote address:", config.RemoteAddr)
		log.Println("transport:", config.Transport)
		log.Println("conn:", config.Conn)
		log.Println("senders:", config.Senders, "listeners:", config.Listeners, "workers:", config.Workers)
		log.Println("requests:", config.Requests, "concurrency:", config.Concurrency)
		log.Println("payloadsize:", config.PayloadSize)
		log.Println("timeout:", config.Timeout)
		log.Println("compression:", !config.NoComp)
		log.Println("QPP:", config.QPP)
		log.Println("quiet:", config.Quiet)

		// QPP parameters check
		var _Q_ *qpp.QuantumPermutationPad
		if config.QPP {
			warnings, err := std.ValidateQPPParams(config.QPPCount, config.Key)
			checkError(err)
			for _, w := range warnings {
				color.Red(w)
			}
			_Q_ = qpp.NewQPP([]byte(config.Key), uint16(config.QPPCount))
		}

		transport := buildTransport(&config)

		busConfig, err := std.BuildBusConfig(config.Senders, config.Listeners,
			config.Workers, config.QueueDepth, config.CompletionSec)
		checkError(err)
		busConfig.ErrorCB = func(err error, socketUdata interface{}) {
			log.Println("socket error:", err, "on:", socketUdata)
		}
		busConfig.UnexpectedCB = func(response interface{}, seqID int64, socketUdata interface{}) {
			log.Println("unexpected response:", seqID, "on:", socketUdata)
		}

		bus, err := kinebus.New(busConfig)
		checkError(err)
		defer bus.Free()

		// start stats logger
		go std.StatsLogger(config.StatsLog, config.StatsPeriod, bus.Stats())
		go watchStats(bus.Stats())

		// start pprof
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		// spread connections across the endpoint port range
		addrs := expandAddrs(config.RemoteAddr)
		fds := make([]int, 0, config.Conn)
		for i := 0; i < config.Conn; i++ {
			addr := addrs[i%len(addrs)]
			conn, err := dial(&config, transport, addr, _Q_)
			checkError(err)
			fd := i + 1
			checkError(bus.RegisterSocket(fd, conn, kinebus.SocketPlain, addr))
			defer conn.Close()
			fds = append(fds, fd)
			log.Println("registered socket", fd, "->", addr)
		}

		runWorkload(bus, &config, fds)
		return nil
	}
	myApp.Run(os.Args)
}

func runWorkload(bus *kinebus.Bus, config *Config, fds []int) {
	logln := func(v ...interface{}) {
		if !config.Quiet {
			log.Println(v...)
		}
	}

	var (
		succeeded uint64
		timedOut  uint64
		failed    uint64
		rejected  uint64
		rttNanos  uint64
	)

	value := make([]byte, config.PayloadSize)
	for i := range value {
		value[i] = byte(i)
	}

	var wg sync.WaitGroup
	var seq int64
	work := make(chan int64, config.Concurrency)

	start := time.Now()
	for w := 0; w < config.Concurrency; w++ {
		go func() {
			for seqID := range work {
				fd := fds[int(seqID)%len(fds)]
				payload := std.PackPDU(&std.PDU{SeqID: seqID, Op: std.OpEcho, Value: value})
				submitted := time.Now()
				// a rejected submission can still fire its callback if
				// the completion wait timed out after the transmit; the
				// request must be settled exactly once either way
				var settled int32
				settle := func() {
					if atomic.CompareAndSwapInt32(&settled, 0, 1) {
						wg.Done()
					}
				}
				ok := bus.SendRequest(&kinebus.UserMessage{
					Fd:         fd,
					SeqID:      seqID,
					Payload:    payload,
					TimeoutSec: config.Timeout,
					Udata:      fd,
					Cb: func(res *kinebus.Result, udata interface{}) {
						defer settle()
						switch res.Status {
						case kinebus.StatusSuccess:
							atomic.AddUint64(&succeeded, 1)
							atomic.AddUint64(&rttNanos, uint64(time.Since(submitted)))
							logln("response", res.SeqID, "on socket", udata)
						case kinebus.StatusTimedOut:
							atomic.AddUint64(&timedOut, 1)
							logln("timeout", res.SeqID, "on socket", udata)
						default:
							atomic.AddUint64(&failed, 1)
							logln("failure", res.Status, res.SeqID, "on socket", udata)
						}
					},
				})
				if !ok {
					atomic.AddUint64(&rejected, 1)
					settle()
				}
			}
		}()
	}

	for i := 0; i < config.Requests; i++ {
		wg.Add(1)
		seq++
		work <- seq
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(start)

	ok := atomic.LoadUint64(&succeeded)
	log.Println("requests:", config.Requests, "succeeded:", ok,
		"timeouts:", atomic.LoadUint64(&timedOut),
		"failures:", atomic.LoadUint64(&failed),
		"rejected:", atomic.LoadUint64(&rejected))
	if ok > 0 {
		log.Println("avg rtt:", time.Duration(atomic.LoadUint64(&rttNanos)/ok))
	}
	log.Println("elapsed:", elapsed)
	log.Printf("BUS SNMP:%+v", *bus.Stats().Copy())
}

func buildTransport(config *Config) *generic.Transport {
	t := &generic.Transport{
		Kind:         config.Transport,
		DataShard:    config.DataShard,
		ParityShard:  config.ParityShard,
		SockBuf:      config.SockBuf,
		NoDelay:      config.NoDelay,
		Interval:     config.Interval,
		Resend:       config.Resend,
		NoCongestion: config.NoCongestion,
		SndWnd:       config.SndWnd,
		RcvWnd:       config.RcvWnd,
		MTU:          config.MTU,
		TCPEmu:       config.TCP,
	}
	switch config.Transport {
	case "tls":
		t.TLS = &tls.Config{
			InsecureSkipVerify: config.TLSSkipVerify,
			ServerName:         config.TLSServerName,
		}
	case "kcp":
		log.Println("initiating key derivation")
		pass := pbkdf2.Key([]byte(config.Key), []byte(SALT), 4096, 32, sha1.New)
		log.Println("key derivation done")
		block, crypt := std.SelectBlockCrypt(config.Crypt, pass)
		config.Crypt = crypt
		t.Block = block
		log.Println("encryption:", config.Crypt)
		log.Println("nodelay parameters:", config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
		log.Println("sndwnd:", config.SndWnd, "rcvwnd:", config.RcvWnd)
		log.Println("mtu:", config.MTU)
	}
	return t
}

// expandAddrs turns host:minport-maxport into concrete addresses, one per
// connection round-robin; a plain host:port stays as-is.
func expandAddrs(remote string) []string {
	mp, err := std.ParseMultiPort(remote)
	if err != nil || mp.MinPort == mp.MaxPort {
		return []string{remote}
	}
	var addrs []string
	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		addrs = append(addrs, fmt.Sprintf("%v:%v", mp.Host, port))
	}
	return addrs
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
