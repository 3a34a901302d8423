// +build !linux

package generic

import (
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

func (t *Transport) dialKCP(addr string) (net.Conn, error) {
	return kcp.DialWithOptions(addr, t.Block, t.DataShard, t.ParityShard)
}

func (t *Transport) listenKCP(addr string) (net.Listener, error) {
	return kcp.ListenWithOptions(addr, t.Block, t.DataShard, t.ParityShard)
}
