// File: socket/socket_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end tests over the inproc and tcp transports.

package socket

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
)

// openPair opens two connected sockets over an isolated inproc
// namespace and registers cleanup.
func openPair(t *testing.T, server, client api.ProtocolID, opts ...Option) (*Socket, *Socket) {
	t.Helper()
	reg := NewRegistry()
	addr := "inproc://" + t.Name()

	srvOpts := append([]Option{WithRegistry(reg)}, opts...)
	srv, err := Open(server, srvOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	_, err = srv.Listen(addr)
	require.NoError(t, err)

	cliOpts := append([]Option{WithRegistry(reg)}, opts...)
	cli, err := Open(client, cliOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	_, err = cli.Dial(addr)
	require.NoError(t, err)

	return srv, cli
}

func timeouts(d time.Duration) []Option {
	return []Option{
		WithOption(api.OptSendTimeout, d),
		WithOption(api.OptRecvTimeout, d),
	}
}

func TestOpenUnknownProtocol(t *testing.T) {
	_, err := Open(api.ProtocolID(0xbeef))
	assert.ErrorIs(t, err, api.ErrNotSupported)
}

func TestSocketIdentity(t *testing.T) {
	s1, err := Open(api.Pair)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(api.Pair)
	require.NoError(t, err)
	defer s2.Close()

	assert.Positive(t, s1.ID())
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.NotEmpty(t, s1.Name())
	assert.NotEqual(t, s1.Name(), s2.Name())

	require.NoError(t, s1.SetOption(api.OptSockName, "front"))
	assert.Equal(t, "front", s1.Name())
}

func TestPairOverInproc(t *testing.T) {
	srv, cli := openPair(t, api.Pair, api.Pair, timeouts(2*time.Second)...)

	require.NoError(t, cli.Send([]byte("ping")))
	got, err := srv.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, srv.Send([]byte("pong")))
	got, err = cli.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestRecvTimeout(t *testing.T) {
	srv, _ := openPair(t, api.Pair, api.Pair, WithOption(api.OptRecvTimeout, 50*time.Millisecond))

	_, err := srv.Recv()
	assert.ErrorIs(t, err, api.ErrTimeout)
}

func TestDialBadAddress(t *testing.T) {
	s, err := Open(api.Pair)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Dial("bogus://nowhere")
	assert.ErrorIs(t, err, api.ErrBadAddress)
	_, err = s.Dial("not-an-address")
	assert.ErrorIs(t, err, api.ErrBadAddress)
	_, err = s.Listen("bogus://nowhere")
	assert.ErrorIs(t, err, api.ErrBadAddress)
}

func TestDialNoListenerFailsSynchronously(t *testing.T) {
	s, err := Open(api.Pair, WithRegistry(NewRegistry()))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Dial("inproc://void")
	assert.ErrorIs(t, err, api.ErrConnClosed)
}

func TestReqRepOverInproc(t *testing.T) {
	srv, cli := openPair(t, api.Rep, api.Req, timeouts(2*time.Second)...)

	go func() {
		got, err := srv.Recv()
		if err != nil {
			return
		}
		_ = srv.Send(append([]byte("echo:"), got...))
	}()

	require.NoError(t, cli.Send([]byte("hello")))
	got, err := cli.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hello"), got)
}

func TestReqContextsConcurrent(t *testing.T) {
	srv, cli := openPair(t, api.Rep, api.Req, timeouts(5*time.Second)...)

	// A single serving loop suffices: requests queue at the rep socket.
	go func() {
		for {
			got, err := srv.Recv()
			if err != nil {
				return
			}
			if err := srv.Send(got); err != nil {
				return
			}
		}
	}()

	const workers = 4
	const rounds = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ctx, err := cli.OpenContext()
			if err != nil {
				errs <- err
				return
			}
			defer ctx.Close()
			for i := 0; i < rounds; i++ {
				want := fmt.Sprintf("w%d-r%d", w, i)
				if err := ctx.Send([]byte(want)); err != nil {
					errs <- fmt.Errorf("send %s: %w", want, err)
					return
				}
				got, err := ctx.Recv()
				if err != nil {
					errs <- fmt.Errorf("recv %s: %w", want, err)
					return
				}
				if string(got) != want {
					errs <- fmt.Errorf("got %q, want %q", got, want)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPubSubOverInproc(t *testing.T) {
	sub, pub := openPair(t, api.Sub, api.Pub, timeouts(2*time.Second)...)
	require.NoError(t, sub.SetOption(api.OptSubscribe, []byte("topic:")))

	require.NoError(t, pub.Send([]byte("other:ignored")))
	require.NoError(t, pub.Send([]byte("topic:news")))

	got, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("topic:news"), got)
}

func TestPushPullDistribution(t *testing.T) {
	reg := NewRegistry()
	addr := "inproc://" + t.Name()

	push, err := Open(api.Push, WithRegistry(reg), WithOption(api.OptSendTimeout, 2*time.Second))
	require.NoError(t, err)
	defer push.Close()
	_, err = push.Listen(addr)
	require.NoError(t, err)

	pulls := make([]*Socket, 2)
	for i := range pulls {
		p, err := Open(api.Pull, WithRegistry(reg), WithOption(api.OptRecvTimeout, 2*time.Second))
		require.NoError(t, err)
		defer p.Close()
		_, err = p.Dial(addr)
		require.NoError(t, err)
		pulls[i] = p
	}
	// Let the listener side finish attaching both pipes.
	time.Sleep(100 * time.Millisecond)

	const total = 10
	for i := 0; i < total; i++ {
		require.NoError(t, push.Send([]byte{byte(i)}))
	}

	counts := make([]int, len(pulls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, p := range pulls {
		wg.Add(1)
		go func(i int, p *Socket) {
			defer wg.Done()
			for {
				if _, err := p.Recv(); err != nil {
					return
				}
				mu.Lock()
				counts[i]++
				mu.Unlock()
			}
		}(i, p)
	}
	wg.Wait()

	assert.Equal(t, total, counts[0]+counts[1])
	assert.GreaterOrEqual(t, counts[0], 1)
	assert.GreaterOrEqual(t, counts[1], 1)
}

func TestSurveyOverInproc(t *testing.T) {
	resp, surv := openPair(t, api.Respondent, api.Surveyor, timeouts(2*time.Second)...)
	require.NoError(t, surv.SetOption(api.OptSurveyTime, time.Second))

	go func() {
		got, err := resp.Recv()
		if err != nil {
			return
		}
		_ = resp.Send(append([]byte("ack:"), got...))
	}()

	require.NoError(t, surv.Send([]byte("all-hands")))
	got, err := surv.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("ack:all-hands"), got)

	// Past the deadline the survey is over.
	_, err = surv.Recv()
	assert.Error(t, err)
}

func TestBusOverInproc(t *testing.T) {
	hub, spoke := openPair(t, api.Bus, api.Bus, timeouts(2*time.Second)...)

	require.NoError(t, spoke.Send([]byte("shout")))
	got, err := hub.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("shout"), got)
}

func TestOpenContextUnsupported(t *testing.T) {
	s, err := Open(api.Push)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.OpenContext()
	assert.ErrorIs(t, err, api.ErrNotSupported)
}

func TestCloseSettlesPendingOperations(t *testing.T) {
	s, err := Open(api.Pair)
	require.NoError(t, err)

	done := make(chan error, 1)
	a := aio.New(func(a *aio.Aio) { done <- a.Result() })
	require.NoError(t, s.RecvAio(a))

	require.NoError(t, s.Close())

	// Close must not return before the callback has.
	select {
	case err := <-done:
		assert.ErrorIs(t, err, api.ErrClosed)
	default:
		t.Fatal("pending receive not settled by Close")
	}

	_, err = s.Recv()
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestDialerReconnects(t *testing.T) {
	reg := NewRegistry()
	addr := "inproc://" + t.Name()

	srv, err := Open(api.Pair, WithRegistry(reg), WithOption(api.OptRecvTimeout, 2*time.Second))
	require.NoError(t, err)
	_, err = srv.Listen(addr)
	require.NoError(t, err)

	cli, err := Open(api.Pair, WithRegistry(reg),
		WithOption(api.OptReconnMinBackoff, 5*time.Millisecond),
		WithOption(api.OptRecvTimeout, 2*time.Second))
	require.NoError(t, err)
	defer cli.Close()
	_, err = cli.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, cli.Send([]byte("first")))
	got, err := srv.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	// Replace the server; the dialer should find the new one.
	require.NoError(t, srv.Close())
	srv2, err := Open(api.Pair, WithRegistry(reg), WithOption(api.OptRecvTimeout, 2*time.Second))
	require.NoError(t, err)
	defer srv2.Close()
	_, err = srv2.Listen(addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cli.Send([]byte("second")) == nil
	}, 5*time.Second, 10*time.Millisecond)

	got, err = srv2.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestPairOverTCP(t *testing.T) {
	srv, err := Open(api.Pair, WithOption(api.OptRecvTimeout, 2*time.Second))
	require.NoError(t, err)
	defer srv.Close()
	l, err := srv.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)

	cli, err := Open(api.Pair, WithOption(api.OptRecvTimeout, 2*time.Second))
	require.NoError(t, err)
	defer cli.Close()
	_, err = cli.Dial(l.Addr())
	require.NoError(t, err)

	require.NoError(t, cli.Send([]byte("over-tcp")))
	got, err := srv.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("over-tcp"), got)
}

func TestOptionValidation(t *testing.T) {
	s, err := Open(api.Pair)
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.SetOption("no-such-option", 1), api.ErrBadOption)
	assert.ErrorIs(t, s.SetOption(api.OptSendTimeout, "soon"), api.ErrBadValue)
	assert.ErrorIs(t, s.SetOption(api.OptSendBufDepth, 0), api.ErrBadValue)

	require.NoError(t, s.SetOption(api.OptSendBufDepth, 32))
	v, err := s.GetOption(api.OptSendBufDepth)
	require.NoError(t, err)
	assert.Equal(t, 32, v)

	// Protocol options are forwarded and validated there.
	assert.ErrorIs(t, s.SetOption(api.OptSubscribe, []byte("x")), api.ErrBadOption)
}
