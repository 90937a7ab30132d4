package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/agent/executor"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/netdev"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/scan"
	"github.com/grandir66/dadude2.0-sub000/internal/config"
	"github.com/grandir66/dadude2.0-sub000/internal/crypto"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		agentID   string
		want      string
	}{
		{"http maps to ws", "http://dadude.local:8080", "edge-01", "ws://dadude.local:8080/agents/ws/edge-01"},
		{"https maps to wss", "https://dadude.example.com", "edge-01", "wss://dadude.example.com/agents/ws/edge-01"},
		{"ws passes through", "ws://dadude.local", "edge-01", "ws://dadude.local/agents/ws/edge-01"},
		{"wss with trailing slash", "wss://dadude.local/", "edge-01", "wss://dadude.local/agents/ws/edge-01"},
		{"base path is kept", "https://dadude.example.com/api/", "edge-01", "wss://dadude.example.com/api/agents/ws/edge-01"},
		{"agent id is escaped", "http://dadude.local", "edge 01", "ws://dadude.local/agents/ws/edge%2001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := endpointURL(tt.serverURL, tt.agentID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := endpointURL("ftp://dadude.local", "edge-01")
		require.Error(t, err)
		assert.Equal(t, faults.Validation, faults.KindOf(err))
	})

	t.Run("unparsable url", func(t *testing.T) {
		_, err := endpointURL("http://bad host", "edge-01")
		require.Error(t, err)
		assert.Equal(t, faults.Validation, faults.KindOf(err))
	})
}

func TestNextBackoff(t *testing.T) {
	max := time.Minute
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, max))
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second, max))
	assert.Equal(t, max, nextBackoff(40*time.Second, max), "doubling past the cap clamps")
	assert.Equal(t, max, nextBackoff(max, max))
}

func TestJitterStaysWithinBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 200; i++ {
		got := jitter(d)
		assert.GreaterOrEqual(t, got, 8*time.Second)
		assert.LessOrEqual(t, got, 12*time.Second)
	}
}

func TestAgentKind(t *testing.T) {
	assert.Equal(t, wire.AgentKindDocker, agentKind("docker"))
	assert.Equal(t, wire.AgentKindMikroTikContainer, agentKind("mikrotik-container"))
	assert.Equal(t, wire.AgentKindDocker, agentKind(""), "empty defaults to docker")
	assert.Equal(t, wire.AgentKindDocker, agentKind("bare-metal"), "unknown kinds fall back to docker")
}

func newTestManager(t *testing.T, serverURL, stateDir string, mutate func(*config.Agent)) (*Manager, *executor.Executor) {
	t.Helper()
	cfg := &config.Agent{
		ServerURL:    serverURL,
		AgentID:      "edge-01",
		EnrollToken:  "enroll-secret",
		StateDir:     stateDir,
		Kind:         "docker",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	scanner := scan.New("nmap", "ping", "snmpget", zap.NewNop())
	exec := executor.New(scanner, netdev.Dial, "0.0-test", zap.NewNop())
	m, err := New(cfg, exec, []string{"scan:arp", "scan:ping"}, "0.0-test", zap.NewNop())
	require.NoError(t, err)
	return m, exec
}

func TestNewRequiresSomeToken(t *testing.T) {
	cfg := &config.Agent{ServerURL: "http://dadude.local", StateDir: t.TempDir()}
	scanner := scan.New("nmap", "ping", "snmpget", zap.NewNop())
	exec := executor.New(scanner, netdev.Dial, "0.0-test", zap.NewNop())

	_, err := New(cfg, exec, nil, "0.0-test", zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, faults.Validation, faults.KindOf(err))
	assert.Contains(t, err.Error(), "DADUDE_ENROLL_TOKEN")
}

func TestNewResolvesIdentity(t *testing.T) {
	t.Run("explicit config id wins", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, saveState(dir, agentState{AgentID: "persisted-id", Token: "tok"}))
		m, _ := newTestManager(t, "http://dadude.local", dir, nil)
		assert.Equal(t, "edge-01", m.AgentID())
	})

	t.Run("persisted id when config is silent", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, saveState(dir, agentState{AgentID: "persisted-id", Token: "tok"}))
		m, _ := newTestManager(t, "http://dadude.local", dir, func(cfg *config.Agent) {
			cfg.AgentID = ""
		})
		assert.Equal(t, "persisted-id", m.AgentID())
	})

	t.Run("fresh install picks an id", func(t *testing.T) {
		m, _ := newTestManager(t, "http://dadude.local", t.TempDir(), func(cfg *config.Agent) {
			cfg.AgentID = ""
		})
		assert.NotEmpty(t, m.AgentID())
	})

	t.Run("persisted networks reach the executor", func(t *testing.T) {
		dir := t.TempDir()
		networks := []wire.ConfigNetwork{{Name: "lan", CIDR: "10.0.0.0/24"}}
		require.NoError(t, saveState(dir, agentState{AgentID: "edge-01", Token: "tok", Networks: networks}))
		_, exec := newTestManager(t, "http://dadude.local", dir, nil)
		assert.Equal(t, networks, exec.Networks())
	})

	t.Run("corrupt state starts fresh", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(stateFilePath(dir), []byte("not json"), 0600))
		m, _ := newTestManager(t, "http://dadude.local", dir, nil)
		assert.Equal(t, "edge-01", m.AgentID())
	})
}

// --- scripted server harness ---

type acceptedConn struct {
	conn *websocket.Conn
	path string
}

// fakeServer upgrades inbound agent connections and hands them to the test
// goroutine, which scripts the server side of the protocol.
type fakeServer struct {
	srv   *httptest.Server
	conns chan acceptedConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{conns: make(chan acceptedConn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- acceptedConn{conn: conn, path: r.URL.Path}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) accept(t *testing.T) acceptedConn {
	t.Helper()
	select {
	case ac := <-f.conns:
		t.Cleanup(func() { ac.conn.Close() })
		return ac
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
		return acceptedConn{}
	}
}

// readFrame reads the next envelope, skipping heartbeats.
func readFrame(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := wire.Decode(data)
		require.NoError(t, err)
		if env.Type == wire.TypeHeartbeat {
			continue
		}
		return env
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ wire.Type, correlationID string, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(typ, correlationID, payload)
	require.NoError(t, err)
	data, err := wire.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return env
}

// serveHandshake plays the server side of hello → challenge → auth → auth_ok
// and verifies the agent's proof against wantToken.
func serveHandshake(t *testing.T, conn *websocket.Conn, wantToken string) wire.Hello {
	t.Helper()

	env := readFrame(t, conn)
	require.Equal(t, wire.TypeHello, env.Type)
	var hello wire.Hello
	require.NoError(t, env.DecodePayload(&hello))

	salt := []byte("0123456789abcdef")
	nonce := []byte("nonce-nonce-nonce-nonce-nonce-00")
	challenge := writeFrame(t, conn, wire.TypeAuth, "", wire.AuthChallenge{
		Nonce: nonce,
		Salt:  salt,
		KDF:   crypto.KDFName,
	})

	env = readFrame(t, conn)
	require.Equal(t, wire.TypeAuth, env.Type)
	require.Equal(t, challenge.ID, env.CorrelationID, "proof must reference the challenge frame")
	var proof wire.Auth
	require.NoError(t, env.DecodePayload(&proof))

	key, err := crypto.DeriveKey(wantToken, salt)
	require.NoError(t, err)
	require.True(t, crypto.VerifyMAC(key, nonce, proof.MAC), "proof does not match the expected token")

	writeFrame(t, conn, wire.TypeAuthOK, "", wire.AuthOK{
		AgentStatus:       "approved",
		HeartbeatInterval: time.Minute,
		ServerVersion:     "test",
	})
	return hello
}

type connectOutcome struct {
	established bool
	err         error
}

func startConnect(ctx context.Context, m *Manager) chan connectOutcome {
	out := make(chan connectOutcome, 1)
	go func() {
		established, err := m.connect(ctx)
		out <- connectOutcome{established: established, err: err}
	}()
	return out
}

func awaitConnect(t *testing.T, out chan connectOutcome) connectOutcome {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("connect did not return")
		return connectOutcome{}
	}
}

func TestConnectEnrollsFreshAgent(t *testing.T) {
	fs := newFakeServer(t)
	dir := t.TempDir()
	m, _ := newTestManager(t, fs.srv.URL, dir, nil)

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)
	assert.Equal(t, "/agents/ws/edge-01", ac.path)

	hello := serveHandshake(t, ac.conn, "enroll-secret")
	assert.Equal(t, "edge-01", hello.AgentID)
	assert.Equal(t, wire.AgentKindDocker, hello.Kind)
	assert.Equal(t, "0.0-test", hello.Version)
	assert.Equal(t, []string{"scan:arp", "scan:ping"}, hello.Capabilities)
	assert.Equal(t, "enroll-secret", hello.EnrollToken, "first contact presents the enrollment token")

	writeFrame(t, ac.conn, wire.TypeClose, "", wire.Close{Reason: "test over"})

	res := awaitConnect(t, out)
	assert.True(t, res.established)
	assert.Equal(t, faults.TransportClosed, faults.KindOf(res.err))
	assert.Contains(t, faults.Message(res.err), "test over")

	// The enrollment token became the persisted session token.
	state, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "edge-01", state.AgentID)
	assert.Equal(t, "enroll-secret", state.Token)
}

func TestConnectPresentsPersistedToken(t *testing.T) {
	fs := newFakeServer(t)
	dir := t.TempDir()
	require.NoError(t, saveState(dir, agentState{AgentID: "edge-01", Token: "rotated-tok"}))
	m, _ := newTestManager(t, fs.srv.URL, dir, func(cfg *config.Agent) {
		cfg.EnrollToken = ""
	})

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)

	hello := serveHandshake(t, ac.conn, "rotated-tok")
	assert.Empty(t, hello.EnrollToken, "enrollment token is never re-sent once a session token exists")

	writeFrame(t, ac.conn, wire.TypeClose, "", wire.Close{Reason: "done"})
	res := awaitConnect(t, out)
	assert.True(t, res.established)
}

func TestConnectAuthRefused(t *testing.T) {
	fs := newFakeServer(t)
	m, _ := newTestManager(t, fs.srv.URL, t.TempDir(), nil)

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)

	env := readFrame(t, ac.conn)
	require.Equal(t, wire.TypeHello, env.Type)
	writeFrame(t, ac.conn, wire.TypeAuthErr, "", wire.ErrorBody{
		Kind:    string(faults.AgentNotApproved),
		Message: "agent awaiting approval",
	})

	res := awaitConnect(t, out)
	assert.False(t, res.established, "a refused handshake must not reset the backoff")
	require.Error(t, res.err)
	assert.Equal(t, faults.AgentNotApproved, faults.KindOf(res.err))
	assert.Contains(t, faults.Message(res.err), "authentication refused")
}

func TestConnectRejectsUnknownKDF(t *testing.T) {
	fs := newFakeServer(t)
	m, _ := newTestManager(t, fs.srv.URL, t.TempDir(), nil)

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)

	env := readFrame(t, ac.conn)
	require.Equal(t, wire.TypeHello, env.Type)
	writeFrame(t, ac.conn, wire.TypeAuth, "", wire.AuthChallenge{
		Nonce: []byte("n"),
		Salt:  []byte("s"),
		KDF:   "argon2id",
	})

	res := awaitConnect(t, out)
	assert.False(t, res.established)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "unsupported kdf")
}

func TestConfigPushRotatesToken(t *testing.T) {
	fs := newFakeServer(t)
	dir := t.TempDir()
	m, exec := newTestManager(t, fs.srv.URL, dir, nil)

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)
	serveHandshake(t, ac.conn, "enroll-secret")

	networks := []wire.ConfigNetwork{{Name: "lan", Type: "lan", CIDR: "10.1.0.0/24"}}
	writeFrame(t, ac.conn, wire.TypeConfig, "", wire.Config{
		CustomerCode:  "acme",
		Networks:      networks,
		TokenRotation: "tok-2",
	})

	require.Eventually(t, func() bool {
		state, err := loadState(dir)
		return err == nil && state.Token == "tok-2"
	}, 5*time.Second, 20*time.Millisecond, "rotation must be persisted before the next reconnect")

	state, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme", state.CustomerCode)
	assert.Equal(t, networks, state.Networks)
	assert.Equal(t, networks, exec.Networks(), "pushed networks reach the scanner")

	writeFrame(t, ac.conn, wire.TypeClose, "", wire.Close{Reason: "rotated"})
	res := awaitConnect(t, out)
	require.True(t, res.established)

	// The next handshake must prove possession of the rotated token.
	out = startConnect(context.Background(), m)
	ac = fs.accept(t)
	hello := serveHandshake(t, ac.conn, "tok-2")
	assert.Empty(t, hello.EnrollToken)

	writeFrame(t, ac.conn, wire.TypeClose, "", wire.Close{Reason: "done"})
	awaitConnect(t, out)
}

func TestSessionDispatch(t *testing.T) {
	fs := newFakeServer(t)
	m, exec := newTestManager(t, fs.srv.URL, t.TempDir(), nil)

	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	go exec.Run(execCtx, m)

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)
	serveHandshake(t, ac.conn, "enroll-secret")

	// Application-level ping is answered with a correlated pong.
	ping := writeFrame(t, ac.conn, wire.TypePing, "", nil)
	env := readFrame(t, ac.conn)
	require.Equal(t, wire.TypePong, env.Type)
	assert.Equal(t, ping.ID, env.CorrelationID)

	// A request the executor cannot decode comes back as a correlated error.
	bad := writeFrame(t, ac.conn, wire.TypeRequest, "", json.RawMessage(`{"method": 7}`))
	env = readFrame(t, ac.conn)
	require.Equal(t, wire.TypeError, env.Type)
	assert.Equal(t, bad.ID, env.CorrelationID)
	var body wire.ErrorBody
	require.NoError(t, env.DecodePayload(&body))
	assert.Equal(t, string(faults.Validation), body.Kind)

	// agent.test runs through the executor and back out the session.
	req := writeFrame(t, ac.conn, wire.TypeRequest, "", wire.Request{Method: wire.MethodTest})
	env = readFrame(t, ac.conn)
	require.Equal(t, wire.TypeResponse, env.Type)
	assert.Equal(t, req.ID, env.CorrelationID)
	var result wire.TestResult
	require.NoError(t, env.DecodePayload(&result))
	assert.True(t, result.OK)
	assert.Equal(t, "0.0-test", result.Version)

	writeFrame(t, ac.conn, wire.TypeClose, "", wire.Close{Reason: "done"})
	awaitConnect(t, out)
}

func TestConnectReportsReplacedSession(t *testing.T) {
	fs := newFakeServer(t)
	m, _ := newTestManager(t, fs.srv.URL, t.TempDir(), nil)

	out := startConnect(context.Background(), m)
	ac := fs.accept(t)
	serveHandshake(t, ac.conn, "enroll-secret")

	msg := websocket.FormatCloseMessage(wire.CloseReplaced, "replaced")
	require.NoError(t, ac.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	res := awaitConnect(t, out)
	assert.True(t, res.established)
	require.Error(t, res.err)
	assert.Equal(t, faults.ReplacedByNewerSession, faults.KindOf(res.err))
}

func TestRunRetriesUntilHandshakeSucceeds(t *testing.T) {
	fs := newFakeServer(t)
	dir := t.TempDir()
	m, _ := newTestManager(t, fs.srv.URL, dir, nil)

	runCtx, runCancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		m.Run(runCtx)
	}()

	// First attempt is refused; the loop must back off and redial.
	first := fs.accept(t)
	env := readFrame(t, first.conn)
	require.Equal(t, wire.TypeHello, env.Type)
	writeFrame(t, first.conn, wire.TypeAuthErr, "", wire.ErrorBody{
		Kind:    string(faults.AgentNotApproved),
		Message: "awaiting approval",
	})
	first.conn.Close()

	second := fs.accept(t)
	serveHandshake(t, second.conn, "enroll-secret")

	require.Eventually(t, func() bool {
		return m.session() != nil
	}, 5*time.Second, 10*time.Millisecond, "session must come up after the retry")

	runCancel()
	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		t.Fatal("run loop did not stop on context cancel")
	}
}
