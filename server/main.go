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
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
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
	myApp.Usage = "server(echo peer)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":29900",
			Usage: "server listen address",
		},
		cli.StringFlag{
			Name:  "target, t",
			Value: "",
			Usage: "relay connections to this TCP address instead of answering frames locally",
		},
		cli.IntFlag{
			Name:  "closewait",
			Value: 0,
			Usage: "the seconds to wait before tearing down a relayed connection",
		},
		cli.StringFlag{
			Name:  "transport",
			Value: "tcp",
			Usage: "transport to serve: tcp, tls, kcp",
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
		cli.StringFlag{
			Name:  "tls-cert",
			Value: "",
			Usage: "certificate file for the tls transport",
		},
		cli.StringFlag{
			Name:  "tls-key",
			Value: "",
			Usage: "private key file for the tls transport",
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
			Value: 1024,
			Usage: "set send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 1024,
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
		cli.IntFlag{
			Name:  "delay",
			Value: 0,
			Usage: "delay every response by this many milliseconds",
		},
		cli.IntFlag{
			Name:  "shuffle",
			Value: 0,
			Usage: "answer requests in reverse order within windows of this size",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the 'connection open/close' messages",
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
		config.Listen = c.String("listen")
		config.Target = c.String("target")
		config.CloseWait = c.Int("closewait")
		config.Transport = c.String("transport")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
		config.TLSCert = c.String("tls-cert")
		config.TLSKey = c.String("tls-key")
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
		config.DelayMillis = c.Int("delay")
		config.ShuffleWindow = c.Int("shuffle")
		config.Log = c.String("log")
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
		log.Println("transport:", config.Transport)
		if config.Target != "" {
			log.Println("relay target:", config.Target, "closewait:", config.CloseWait)
		}
		log.Println("compression:", !config.NoComp)
		log.Println("QPP:", config.QPP)
		log.Println("delay:", config.DelayMillis, "shuffle:", config.ShuffleWindow)
		log.Println("quiet:", config.Quiet)

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
		listener, err := transport.Listen(config.Listen)
		checkError(err)
		log.Println("listening on:", listener.Addr())

		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Fatalf("%+v", err)
			}
			transport.Tune(conn)
			if config.Target != "" {
				go handleRelay(&config, conn, _Q_)
			} else {
				go handleConn(&config, conn, _Q_)
			}
		}
	}
	myApp.Run(os.Args)
}

// handleConn answers framed requests on one connection until it closes.
func handleConn(config *Config, conn net.Conn, pad *qpp.QuantumPermutationPad) {
	logln := func(v ...interface{}) {
		if !config.Quiet {
			log.Println(v...)
		}
	}

	defer conn.Close()
	logln("connection opened:", conn.RemoteAddr())
	defer logln("connection closed:", conn.RemoteAddr())

	if pad != nil {
		conn = std.NewQPPConn(conn, pad, []byte(config.Key))
	}
	if !config.NoComp {
		conn = std.NewCompStream(conn)
	}

	// replies leave through one writer so shuffled or delayed responses
	// never interleave mid-frame
	replies := make(chan *std.PDU, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		window := make([]*std.PDU, 0, config.ShuffleWindow)
		flush := func() {
			for i := len(window) - 1; i >= 0; i-- {
				if err := writePDU(conn, window[i]); err != nil {
					logln("write:", err)
					return
				}
			}
			window = window[:0]
		}
		for p := range replies {
			if config.DelayMillis > 0 {
				time.Sleep(time.Duration(config.DelayMillis) * time.Millisecond)
			}
			if config.ShuffleWindow > 1 {
				window = append(window, p)
				if len(window) >= config.ShuffleWindow {
					flush()
				}
				continue
			}
			if err := writePDU(conn, p); err != nil {
				logln("write:", err)
				return
			}
		}
		flush()
	}()
	defer func() {
		close(replies)
		<-done // let the writer flush before the conn closes
	}()

	var rbuf []byte
	chunk := make([]byte, 64*1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			rbuf = append(rbuf, chunk[:n]...)
			for {
				req, total, _, perr := std.ReadPDU(rbuf)
				if perr != nil {
					logln("frame:", perr)
					return
				}
				if req == nil {
					break
				}
				rbuf = append(rbuf[:0], rbuf[total:]...)
				replies <- respond(req)
			}
		}
		if err != nil {
			return
		}
	}
}

// handleRelay tunnels one connection to the target address instead of
// answering frames locally, peeling the same QPP and compression layers
// the framed path does.
func handleRelay(config *Config, p1 net.Conn, pad *qpp.QuantumPermutationPad) {
	logln := func(v ...interface{}) {
		if !config.Quiet {
			log.Println(v...)
		}
	}

	defer p1.Close()

	var s1 net.Conn = p1
	if pad != nil {
		s1 = std.NewQPPConn(s1, pad, []byte(config.Key))
	}
	if !config.NoComp {
		s1 = std.NewCompStream(s1)
	}

	p2, err := net.Dial("tcp", config.Target)
	if err != nil {
		logln("relay dial:", err)
		return
	}
	defer p2.Close()

	logln("relay opened", "in:", p1.RemoteAddr(), "out:", p2.RemoteAddr())
	defer logln("relay closed", "in:", p1.RemoteAddr(), "out:", p2.RemoteAddr())

	err1, err2 := std.Pipe(s1, p2, config.CloseWait)
	if err1 != nil && err1 != io.EOF {
		logln("pipe:", err1, "in:", p1.RemoteAddr())
	}
	if err2 != nil && err2 != io.EOF {
		logln("pipe:", err2, "out:", p2.RemoteAddr())
	}
}

// respond builds the reply for one request.
func respond(req *std.PDU) *std.PDU {
	switch req.Op {
	case std.OpEcho:
		return &std.PDU{SeqID: req.SeqID, Op: std.OpEcho, Value: req.Value}
	case std.OpStatus:
		return &std.PDU{SeqID: req.SeqID, Op: std.OpStatus, Value: []byte("OK")}
	default:
		return &std.PDU{SeqID: req.SeqID, Op: req.Op}
	}
}

func writePDU(conn net.Conn, p *std.PDU) error {
	buf := std.PackPDU(p)
	if _, err := conn.Write(buf); err != nil {
		return errors.Wrap(err, "socket write")
	}
	return nil
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
		cert, err := tls.LoadX509KeyPair(config.TLSCert, config.TLSKey)
		checkError(errors.Wrap(err, "tls.LoadX509KeyPair()"))
		t.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
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

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
