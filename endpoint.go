package apnet

import (
	"fmt"
	"net"
)

// Endpoints names the pair of gateway addresses a Service talks to: the push
// gateway that accepts notification frames and the feedback service that
// streams unreachable-device records. The value is immutable from the
// Service's point of view; Configure replaces it wholesale.
type Endpoints struct {
	Name     string // label used in logs
	Push     string // host:port of the push gateway
	Feedback string // host:port of the feedback service
}

// The three well-known environments.
var (
	Production = Endpoints{
		Name:     "production",
		Push:     "gateway.push.apple.com:2195",
		Feedback: "feedback.push.apple.com:2196",
	}
	Sandbox = Endpoints{
		Name:     "sandbox",
		Push:     "gateway.sandbox.push.apple.com:2195",
		Feedback: "feedback.sandbox.push.apple.com:2196",
	}
	Local = Endpoints{
		Name:     "local",
		Push:     "localhost:2195",
		Feedback: "localhost:2196",
	}
)

// Validate checks that both addresses are well-formed host:port pairs.
func (e Endpoints) Validate() error {
	for _, addr := range []string{e.Push, e.Feedback} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// pushHost returns the host part of the push address, used as the TLS server
// name during verification.
func (e Endpoints) pushHost() string {
	host, _, _ := net.SplitHostPort(e.Push)
	return host
}

// feedbackHost returns the host part of the feedback address.
func (e Endpoints) feedbackHost() string {
	host, _, _ := net.SplitHostPort(e.Feedback)
	return host
}
