package generic

import (
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/tcpraw"
)

func (t *Transport) dialKCP(addr string) (net.Conn, error) {
	if t.TCPEmu {
		conn, err := tcpraw.Dial("tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Dial()")
		}
		return kcp.NewConn(addr, t.Block, t.DataShard, t.ParityShard, conn)
	}
	return kcp.DialWithOptions(addr, t.Block, t.DataShard, t.ParityShard)
}

func (t *Transport) listenKCP(addr string) (net.Listener, error) {
	if t.TCPEmu {
		conn, err := tcpraw.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Listen()")
		}
		return kcp.ServeConn(t.Block, t.DataShard, t.ParityShard, conn)
	}
	return kcp.ListenWithOptions(addr, t.Block, t.DataShard, t.ParityShard)
}
