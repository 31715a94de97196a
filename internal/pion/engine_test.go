package pion

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/juice/internal/abi"
)

type recorder struct {
	states     chan int32
	candidates chan string
	recv       chan []byte
	gathered   chan struct{}
	gatherOnce sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		states:     make(chan int32, 64),
		candidates: make(chan string, 64),
		recv:       make(chan []byte, 64),
		gathered:   make(chan struct{}),
	}
}

func (r *recorder) callbacks() *abi.Callbacks {
	return &abi.Callbacks{
		StateChanged: func(_ uintptr, state int32, _ uintptr) {
			select {
			case r.states <- state:
			default:
			}
		},
		Candidate: func(_ uintptr, sdp string, _ uintptr) {
			select {
			case r.candidates <- sdp:
			default:
			}
		},
		GatheringDone: func(_, _ uintptr) {
			r.gatherOnce.Do(func() { close(r.gathered) })
		},
		Recv: func(_ uintptr, data []byte, _ uintptr) {
			r.recv <- append([]byte(nil), data...)
		},
	}
}

func (r *recorder) waitGathered(t *testing.T) {
	t.Helper()
	select {
	case <-r.gathered:
	case <-time.After(15 * time.Second):
		t.Fatal("gathering did not complete")
	}
}

func localDescription(t *testing.T, e *Engine, h uintptr) []byte {
	t.Helper()
	buf := make([]byte, abi.MaxSDPStringLen)
	require.Equal(t, abi.OK, e.LocalDescription(h, buf))
	return buf
}

func TestCreateStartsDisconnected(t *testing.T) {
	e := New()
	h := e.Create(&abi.AgentConfig{Callbacks: newRecorder().callbacks(), UserPtr: 1})
	require.NotZero(t, h)
	defer e.Destroy(h)

	assert.Equal(t, abi.StateDisconnected, e.State(h))
	assert.Equal(t, abi.ErrNotAvail, e.Send(h, []byte("early")))

	desc := abi.GoString(localDescription(t, e, h))
	assert.Contains(t, desc, "a=ice-ufrag:")
	assert.Contains(t, desc, "a=ice-pwd:")
}

func TestCreateRejectsBadBindAddress(t *testing.T) {
	e := New()
	bind, _ := abi.CString("not-an-address")
	assert.Zero(t, e.Create(&abi.AgentConfig{BindAddress: bind}))
}

func TestUnknownHandle(t *testing.T) {
	e := New()
	assert.Equal(t, abi.ErrInvalid, e.GatherCandidates(99))
	assert.Equal(t, abi.ErrInvalid, e.Send(99, nil))
	assert.Equal(t, uint16(0), e.ServerPort(99))
	e.Destroy(99)
}

func TestSetRemoteDescriptionInvalid(t *testing.T) {
	e := New()
	h := e.Create(&abi.AgentConfig{})
	require.NotZero(t, h)
	defer e.Destroy(h)

	sdp, _ := abi.CString("a=candidate:garbage")
	assert.Equal(t, abi.ErrInvalid, e.SetRemoteDescription(h, sdp))

	cand, _ := abi.CString("a=candidate:not a candidate")
	assert.Equal(t, abi.ErrInvalid, e.AddRemoteCandidate(h, cand))

	eoc, _ := abi.CString("a=end-of-candidates")
	assert.Equal(t, abi.OK, e.AddRemoteCandidate(h, eoc))
	assert.Equal(t, abi.OK, e.SetRemoteGatheringDone(h))
}

func TestGatheringReportsHostCandidates(t *testing.T) {
	e := New()
	rec := newRecorder()
	h := e.Create(&abi.AgentConfig{Callbacks: rec.callbacks(), UserPtr: 7})
	require.NotZero(t, h)
	defer e.Destroy(h)

	require.Equal(t, abi.OK, e.GatherCandidates(h))
	rec.waitGathered(t)

	assert.Equal(t, abi.StateGathering, <-rec.states)
	select {
	case c := <-rec.candidates:
		assert.True(t, strings.HasPrefix(c, "a=candidate:"), c)
		assert.Contains(t, c, "typ host")
	default:
		t.Fatal("no candidate reported")
	}
	assert.Contains(t, abi.GoString(localDescription(t, e, h)), "a=end-of-candidates")
}

func testConnectivity(t *testing.T, mode abi.ConcurrencyMode) {
	// Separate engines: agents sharing one mux socket cannot reach each other.
	e1, e2 := New(), New()
	rec1, rec2 := newRecorder(), newRecorder()

	a1 := e1.Create(&abi.AgentConfig{ConcurrencyMode: mode, Callbacks: rec1.callbacks(), UserPtr: 1})
	require.NotZero(t, a1)
	defer e1.Destroy(a1)
	a2 := e2.Create(&abi.AgentConfig{ConcurrencyMode: mode, Callbacks: rec2.callbacks(), UserPtr: 2})
	require.NotZero(t, a2)
	defer e2.Destroy(a2)

	require.Equal(t, abi.OK, e1.GatherCandidates(a1))
	require.Equal(t, abi.OK, e2.GatherCandidates(a2))
	rec1.waitGathered(t)
	rec2.waitGathered(t)

	require.Equal(t, abi.OK, e2.SetRemoteDescription(a2, localDescription(t, e1, a1)))
	require.Equal(t, abi.OK, e1.SetRemoteDescription(a1, localDescription(t, e2, a2)))

	require.Eventually(t, func() bool {
		return e1.State(a1) == abi.StateCompleted && e2.State(a2) == abi.StateCompleted
	}, 15*time.Second, 50*time.Millisecond)

	require.Equal(t, abi.OK, e1.Send(a1, []byte("hello")))
	select {
	case got := <-rec2.recv:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("hello not received")
	}
	require.Equal(t, abi.OK, e2.Send(a2, []byte("world")))
	select {
	case got := <-rec1.recv:
		assert.Equal(t, []byte("world"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("world not received")
	}

	local := make([]byte, abi.MaxCandidateSDPStringLen)
	remote := make([]byte, abi.MaxCandidateSDPStringLen)
	require.Equal(t, abi.OK, e1.SelectedCandidates(a1, local, remote))
	assert.True(t, strings.HasPrefix(abi.GoString(local), "a=candidate:"))
	assert.True(t, strings.HasPrefix(abi.GoString(remote), "a=candidate:"))

	localAddr := make([]byte, abi.MaxAddressStringLen)
	remoteAddr := make([]byte, abi.MaxAddressStringLen)
	require.Equal(t, abi.OK, e1.SelectedAddresses(a1, localAddr, remoteAddr))
	assert.NotEmpty(t, abi.GoString(localAddr))
	assert.NotEmpty(t, abi.GoString(remoteAddr))
}

func TestConnectivityPoll(t *testing.T)   { testConnectivity(t, abi.ConcurrencyPoll) }
func TestConnectivityMux(t *testing.T)    { testConnectivity(t, abi.ConcurrencyMux) }
func TestConnectivityThread(t *testing.T) { testConnectivity(t, abi.ConcurrencyThread) }

func TestRoleFollowsFirstCall(t *testing.T) {
	e := New()
	h1 := e.Create(&abi.AgentConfig{})
	require.NotZero(t, h1)
	defer e.Destroy(h1)
	h2 := e.Create(&abi.AgentConfig{})
	require.NotZero(t, h2)
	defer e.Destroy(h2)

	desc := localDescription(t, e, h1)
	require.Equal(t, abi.OK, e.SetRemoteDescription(h2, desc))

	e.mu.RLock()
	a1, a2 := e.agents[h1], e.agents[h2]
	e.mu.RUnlock()

	a1.mu.Lock()
	assert.Equal(t, roleControlling, a1.role)
	a1.mu.Unlock()
	a2.mu.Lock()
	assert.Equal(t, roleControlled, a2.role)
	a2.mu.Unlock()

	assert.Equal(t, abi.ErrFailed, e.SetRemoteDescription(h2, desc))
}

func TestBothControllingSettleRoles(t *testing.T) {
	e1, e2 := New(), New()
	rec1, rec2 := newRecorder(), newRecorder()
	a1 := e1.Create(&abi.AgentConfig{Callbacks: rec1.callbacks()})
	require.NotZero(t, a1)
	defer e1.Destroy(a1)
	a2 := e2.Create(&abi.AgentConfig{Callbacks: rec2.callbacks()})
	require.NotZero(t, a2)
	defer e2.Destroy(a2)

	require.Equal(t, abi.OK, e1.GatherCandidates(a1))
	require.Equal(t, abi.OK, e2.GatherCandidates(a2))
	rec1.waitGathered(t)
	rec2.waitGathered(t)

	// Both describe themselves first, so both start out controlling.
	d1 := localDescription(t, e1, a1)
	d2 := localDescription(t, e2, a2)
	assert.Contains(t, abi.GoString(d1), "a=x-ice-tiebreaker:")
	assert.Contains(t, abi.GoString(d2), "a=x-ice-tiebreaker:")
	require.Equal(t, abi.OK, e1.SetRemoteDescription(a1, d2))
	require.Equal(t, abi.OK, e2.SetRemoteDescription(a2, d1))

	ag1, ag2 := e1.agent(a1), e2.agent(a2)
	ag1.mu.Lock()
	r1 := ag1.role
	ag1.mu.Unlock()
	ag2.mu.Lock()
	r2 := ag2.role
	ag2.mu.Unlock()
	assert.NotEqual(t, r1, r2)
	if ag1.tiebreaker > ag2.tiebreaker {
		assert.Equal(t, roleControlling, r1)
	} else {
		assert.Equal(t, roleControlling, r2)
	}

	require.Eventually(t, func() bool {
		return e1.State(a1) == abi.StateCompleted && e2.State(a2) == abi.StateCompleted
	}, 15*time.Second, 50*time.Millisecond)

	require.Equal(t, abi.OK, e1.Send(a1, []byte("hello")))
	select {
	case got := <-rec2.recv:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("hello not received")
	}
}

func TestYields(t *testing.T) {
	remote := description{Ufrag: "mmmm", Tiebreaker: 10}
	assert.True(t, yields(5, "zzzz", remote))
	assert.False(t, yields(20, "aaaa", remote))
	assert.True(t, yields(10, "aaaa", remote))
	assert.False(t, yields(10, "zzzz", remote))
}

func TestControlledOmitsTiebreaker(t *testing.T) {
	e := New()
	h1 := e.Create(&abi.AgentConfig{})
	require.NotZero(t, h1)
	defer e.Destroy(h1)
	h2 := e.Create(&abi.AgentConfig{})
	require.NotZero(t, h2)
	defer e.Destroy(h2)

	require.Equal(t, abi.OK, e.SetRemoteDescription(h2, localDescription(t, e, h1)))
	assert.NotContains(t, abi.GoString(localDescription(t, e, h2)), "x-ice-tiebreaker")
}

func TestFailsWhenChecksExhausted(t *testing.T) {
	// A peer that never answers binding requests.
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	port := silent.LocalAddr().(*net.UDPAddr).Port

	e := New()
	rec := newRecorder()
	h := e.Create(&abi.AgentConfig{Callbacks: rec.callbacks()})
	require.NotZero(t, h)
	defer e.Destroy(h)

	require.Equal(t, abi.OK, e.GatherCandidates(h))
	rec.waitGathered(t)
	localDescription(t, e, h) // controlling

	remote := description{
		Ufrag:      "silentufrag",
		Pwd:        "silentpasswordsilentpassword",
		Candidates: []string{fmt.Sprintf("1 1 udp 2130706431 127.0.0.1 %d typ host", port)},
	}
	sdp, _ := abi.CString(remote.String())
	require.Equal(t, abi.OK, e.SetRemoteDescription(h, sdp))

	// Without end of remote candidates more pairs may still come.
	time.Sleep(3 * time.Second)
	assert.Equal(t, abi.StateConnecting, e.State(h))

	require.Equal(t, abi.OK, e.SetRemoteGatheringDone(h))
	require.Eventually(t, func() bool {
		return e.State(h) == abi.StateFailed
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNoCallbackAfterDestroy(t *testing.T) {
	for _, mode := range []abi.ConcurrencyMode{abi.ConcurrencyPoll, abi.ConcurrencyMux, abi.ConcurrencyThread} {
		e := New()
		var destroyed atomic.Bool
		var late atomic.Int32
		mark := func() {
			if destroyed.Load() {
				late.Add(1)
			}
		}
		cb := &abi.Callbacks{
			StateChanged:  func(uintptr, int32, uintptr) { mark() },
			Candidate:     func(uintptr, string, uintptr) { mark() },
			GatheringDone: func(_, _ uintptr) { mark() },
			Recv:          func(uintptr, []byte, uintptr) { mark() },
		}
		h := e.Create(&abi.AgentConfig{ConcurrencyMode: mode, Callbacks: cb, UserPtr: 3})
		require.NotZero(t, h)
		require.Equal(t, abi.OK, e.GatherCandidates(h))

		e.Destroy(h)
		destroyed.Store(true)

		time.Sleep(500 * time.Millisecond)
		assert.Zero(t, late.Load(), "mode %d", mode)
		assert.Equal(t, abi.ErrInvalid, e.GatherCandidates(h))
	}
}

func TestSharedDispatcherRefcount(t *testing.T) {
	e := New()
	h1 := e.Create(&abi.AgentConfig{})
	h2 := e.Create(&abi.AgentConfig{})
	require.NotZero(t, h1)
	require.NotZero(t, h2)

	e.mu.RLock()
	assert.Equal(t, 2, e.pollRefs)
	assert.Same(t, e.agents[h1].disp, e.agents[h2].disp)
	e.mu.RUnlock()

	e.Destroy(h1)
	e.Destroy(h2)

	e.mu.RLock()
	assert.Zero(t, e.pollRefs)
	assert.Nil(t, e.poll)
	e.mu.RUnlock()
}

func TestSharedMuxSocket(t *testing.T) {
	e := New()
	bind, _ := abi.CString("127.0.0.1")
	cfg := &abi.AgentConfig{ConcurrencyMode: abi.ConcurrencyMux, BindAddress: bind}
	h1 := e.Create(cfg)
	h2 := e.Create(cfg)
	require.NotZero(t, h1)
	require.NotZero(t, h2)

	e.mu.RLock()
	require.Len(t, e.muxes, 1)
	assert.Same(t, e.agents[h1].mux, e.agents[h2].mux)
	e.mu.RUnlock()

	e.Destroy(h1)
	e.Destroy(h2)

	e.mu.RLock()
	assert.Empty(t, e.muxes)
	e.mu.RUnlock()
}

func TestLogHandler(t *testing.T) {
	e := New()
	var mu sync.Mutex
	var lines []string
	e.SetLogHandler(func(level abi.LogLevel, msg string) {
		mu.Lock()
		lines = append(lines, msg)
		mu.Unlock()
	})
	e.SetLogLevel(abi.LogVerbose)

	l := e.newLogger("test")
	l.Debugf("value %d", 42)
	l.Trace("100%")

	e.SetLogLevel(abi.LogError)
	l.Warn("filtered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"test: value 42", "test: 100%"}, lines)
}
