package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/tclconsole/console"
	"github.com/guseggert/tclconsole/internal/logging"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultListenAddr = "127.0.0.1:8080"

// Console runs one command at a time. *xsct.Client satisfies it directly; wrap other clients with ConsoleFunc.
type Console interface {
	Execute(ctx context.Context, command string) (string, error)
}

type ConsoleFunc func(ctx context.Context, command string) (string, error)

func (f ConsoleFunc) Execute(ctx context.Context, command string) (string, error) { return f(ctx, command) }

// ConsoleAgent serves a Console over HTTP.
type ConsoleAgent struct {
	logger *zap.SugaredLogger

	console Console
	// consoleMut serializes commands, the console cannot interleave them.
	consoleMut sync.Mutex

	tlsConfig *tls.Config

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer *http.Server

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *ConsoleAgent) error

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *ConsoleAgent) error {
		a.heartbeatTimeout = d
		return nil
	}
}

// WithHeartbeatFailureHandler sets a function that is called once when no heartbeat arrived within the heartbeat
// timeout. Without one, heartbeats are not checked.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *ConsoleAgent) error {
		a.heartbeatFailureHandler = f
		return nil
	}
}

func WithListenAddr(s string) Option {
	return func(a *ConsoleAgent) error {
		a.listenAddr = s
		return nil
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *ConsoleAgent) error {
		a.logger = l.Named("console_agent")
		return nil
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *ConsoleAgent) error {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
		return nil
	}
}

// WithTLS requires clients to present a certificate signed by the CA.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(a *ConsoleAgent) error {
		cfg, err := ServerTLSConfig(caCertPEM, certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		a.tlsConfig = cfg
		return nil
	}
}

// HeartbeatFailureExit is a heartbeat failure handler that exits the agent process, which stops the console with it.
func HeartbeatFailureExit() {
	fmt.Fprintln(os.Stderr, "heartbeat failed, exiting")
	os.Exit(1)
}

func NewConsoleAgent(c Console, opts ...Option) (*ConsoleAgent, error) {
	a := &ConsoleAgent{
		logger:           logging.Default().Named("console_agent"),
		console:          c,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       DefaultListenAddr,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(a); err != nil {
			return nil, err
		}
	}

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.POST("/execute", a.execute)
	router.GET("/execute", a.executeWS)
	a.httpServer = &http.Server{Handler: router}
	return a, nil
}

// startHeartbeatCheck calls the heartbeat failure handler once heartbeats stop arriving.
func (a *ConsoleAgent) startHeartbeatCheck() {
	if a.heartbeatFailureHandler == nil {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	interval := a.heartbeatTimeout / 10
	if interval > time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				a.heartbeatFailureHandler()
				return
			}
		}
	}()
}

// Serve serves on l until Stop is called.
func (a *ConsoleAgent) Serve(l net.Listener) error {
	if a.tlsConfig != nil {
		l = tls.NewListener(l, a.tlsConfig)
	}
	a.startHeartbeatCheck()
	a.logger.Infow("serving", "Addr", l.Addr().String(), "TLS", a.tlsConfig != nil)
	err := a.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens on the configured address and serves until Stop is called.
func (a *ConsoleAgent) Run() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return a.Serve(l)
}

func (a *ConsoleAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return a.httpServer.Close()
}

func (a *ConsoleAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	writeJSON(a.logger, w, heartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

// run executes one request on the console.
func (a *ConsoleAgent) run(ctx context.Context, req ExecuteRequest) ExecuteResponse {
	a.consoleMut.Lock()
	defer a.consoleMut.Unlock()

	a.logger.Debugw("executing", "Command", req.Command)
	res, err := a.console.Execute(ctx, req.Command)
	if err != nil {
		a.logger.Debugw("command failed", "Command", req.Command, "Error", err)
		return ExecuteResponse{Error: err.Error(), Kind: console.Kind(err)}
	}
	return ExecuteResponse{Result: res}
}

func (a *ConsoleAgent) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecuteRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}
	writeJSON(a.logger, w, a.run(r.Context(), req))
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		log.Debugf("error writing response: %s", err)
	}
}
