package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackPort is the fixed loopback port for authorization redirects. Both
// localhost and 127.0.0.1 variants must be registered with providers when
// dynamic registration is not used.
const CallbackPort = 42424

// CallbackPath is the redirect path on the loopback listener.
const CallbackPath = "/oauth/callback"

// authFlowTimeout is the hard ceiling on a browser-driven authorization.
const authFlowTimeout = 10 * time.Minute

// Browser opens the user's browser to an authorization URL. Substitutable in
// tests.
type Browser interface {
	Open(url string) error
}

// SystemBrowser shells out to the platform opener.
type SystemBrowser struct{}

// Open launches the default browser.
func (SystemBrowser) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// callbackResult carries one redirect's parameters out of the HTTP handler.
type callbackResult struct {
	code     string
	state    string
	errCode  string
	errDescr string
}

// callbackServer is the single-authorization loopback listener. The port is
// held only for the lifetime of one flow.
type callbackServer struct {
	port     int
	listener net.Listener
	server   *http.Server
	results  chan callbackResult
}

// startCallbackServer binds the loopback port and serves the callback path.
// A bind failure (port already in use) fails the authorization.
func startCallbackServer(port int) (*callbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding loopback port %d: %w", port, err)
	}

	cs := &callbackServer{
		port:     port,
		listener: listener,
		results:  make(chan callbackResult, 1),
	}

	router := chi.NewRouter()
	router.Get(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		result := callbackResult{
			code:     q.Get("code"),
			state:    q.Get("state"),
			errCode:  q.Get("error"),
			errDescr: q.Get("error_description"),
		}
		select {
		case cs.results <- result:
		default:
			// A second redirect for the same flow; drop it.
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if result.errCode != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "<html><body><h1>Authorization failed</h1><p>You can close this window.</p></body></html>")
			return
		}
		fmt.Fprint(w, "<html><body><h1>Authorization complete</h1><p>You can close this window and return to the application.</p></body></html>")
	})

	cs.server = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = cs.server.Serve(listener) }()
	return cs, nil
}

// RedirectURI returns the redirect URI this listener answers.
func (cs *callbackServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", cs.port, CallbackPath)
}

// Wait blocks for one redirect, the flow timeout, or caller cancellation.
func (cs *callbackServer) Wait(ctx context.Context) (callbackResult, error) {
	select {
	case result := <-cs.results:
		return result, nil
	case <-time.After(authFlowTimeout):
		return callbackResult{}, context.DeadlineExceeded
	case <-ctx.Done():
		return callbackResult{}, ctx.Err()
	}
}

// Close tears the listener down. Safe to call multiple times.
func (cs *callbackServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(ctx)
}
