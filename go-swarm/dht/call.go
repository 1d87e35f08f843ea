package dht

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

type CallState int32

const (
	Unsent CallState = iota
	Sent
	Stalled
	Error
	Timeout
	Responded
)

func (s CallState) String() string {
	switch s {
	case Unsent:
		return "UNSENT"
	case Sent:
		return "SENT"
	case Stalled:
		return "STALLED"
	case Error:
		return "ERROR"
	case Timeout:
		return "TIMEOUT"
	case Responded:
		return "RESPONDED"
	default:
		return fmt.Sprintf("CallState(%d)", int32(s))
	}
}

func (s CallState) Terminal() bool {
	return s == Error || s == Timeout || s == Responded
}

// Call is one outstanding request to a remote node. Of the terminal
// transitions only the first one takes effect.
type Call struct {
	TxID     string
	Addr     netip.AddrPort
	Method   Method
	Request  *Message
	Issued   time.Time
	Deadline time.Time

	mu            sync.Mutex
	state         CallState
	response      *Message
	err           error
	timeout       time.Duration
	deadlineTimer *time.Timer
	stallTimer    *time.Timer
	stalled       chan struct{}
	done          chan struct{}
	onDone        func(c *Call)
}

func newCall(txID string, addr netip.AddrPort, req *Message, timeout time.Duration) *Call {
	return &Call{
		TxID:    txID,
		Addr:    addr,
		Method:  req.Method,
		Request: req,
		timeout: timeout,
		stalled: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// markSent moves the call to SENT and arms its deadline and stall timers.
// A non-positive stallAfter disables the stall timer.
func (c *Call) markSent(stallAfter time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Unsent {
		return false
	}
	c.state = Sent
	c.Issued = time.Now()
	c.Deadline = c.Issued.Add(c.timeout)
	c.deadlineTimer = time.AfterFunc(c.timeout, c.expire)
	if stallAfter > 0 && stallAfter < c.timeout {
		c.stallTimer = time.AfterFunc(stallAfter, func() { c.Stall() })
	}
	return true
}

// Stall flags a sent call whose destination looks unreachable or congested.
// The call may still respond, fail or time out.
func (c *Call) Stall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Sent {
		return false
	}
	c.state = Stalled
	close(c.stalled)
	return true
}

// Respond settles the call with a correlated reply. An error reply moves
// the call to ERROR.
func (c *Call) Respond(msg *Message) bool {
	if msg.Kind == KindError {
		return c.finish(Error, nil, &RemoteError{Code: msg.ErrCode, Message: msg.ErrMsg})
	}
	return c.finish(Responded, msg, nil)
}

// Fail moves the call to ERROR, e.g. when the transport rejected the write
// or the reply was malformed.
func (c *Call) Fail(err error) bool {
	return c.finish(Error, nil, xerrors.Errorf("%s to %s: %v: %w", c.Method, c.Addr, err, ErrRPCError))
}

func (c *Call) expire() {
	c.finish(Timeout, nil, xerrors.Errorf("%s to %s: %w", c.Method, c.Addr, ErrRPCTimeout))
}

func (c *Call) finish(state CallState, resp *Message, err error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	// only a sent call can be answered or time out
	if c.state == Unsent && state != Error {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.response = resp
	c.err = err
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	if c.stallTimer != nil {
		c.stallTimer.Stop()
	}
	close(c.done)
	onDone := c.onDone
	c.mu.Unlock()

	if onDone != nil {
		onDone(c)
	}
	return true
}

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Stalled is closed when the call enters STALLED.
func (c *Call) Stalled() <-chan struct{} {
	return c.stalled
}

// Result returns the reply of a RESPONDED call, or the error of a call
// that ended otherwise.
func (c *Call) Result() (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Responded:
		return c.response, nil
	case Error, Timeout:
		return nil, c.err
	default:
		return nil, fmt.Errorf("call %s still %s", c.TxID, c.state)
	}
}

// Wait blocks until the call settles or ctx is done. Cancelling ctx does
// not settle the call; its deadline still applies.
func (c *Call) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
