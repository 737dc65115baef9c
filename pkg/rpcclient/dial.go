package rpcclient

import (
	"context"
	"math"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const DefaultDaemonAddress = "unix:/run/npud.sock"

// Dial opens a grpc connection to npud. Addresses of the form
// "unix:/path/to.sock" dial a unix socket, anything else is treated as tcp.
// Message size limits are lifted because executables and tensor payloads
// routinely exceed the grpc defaults.
func Dial(address string, timeout time.Duration) (*grpc.ClientConn, error) {
	network, target := "tcp", address
	if strings.HasPrefix(address, "unix:") {
		network, target = "unix", strings.TrimPrefix(address, "unix:")
	}
	opts := []grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return net.DialTimeout(network, target, timeout)
		}),
	}
	c, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, err
	}
	log.Debugf("connected to npud at %s", address)
	return c, nil
}
