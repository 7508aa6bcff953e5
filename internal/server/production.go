package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"klisk/internal/chat"
	"klisk/internal/config"
	"klisk/internal/discovery"
	"klisk/internal/envcache"
	"klisk/internal/logging"
	"klisk/internal/registry"
)

// keyEnvVars are checked for API keys, each holding a comma-separated
// list. With no keys configured the server runs open.
var keyEnvVars = []string{"KLISK_API_KEY", "KLISK_CHAT_KEY", "KLISK_WIDGET_KEY"}

// Production serves one deployed project: a single discovery at
// startup, no watcher, optional API-key auth, and CORS from the
// project's deploy config.
type Production struct {
	projectDir   string
	name         string
	cfg          *config.ProjectConfig
	snap         *registry.ProjectSnapshot
	env          *envcache.Cache
	keys         []string
	defaultModel string
	mux          *http.ServeMux
	log          *logging.Logger
	runCtx       context.Context
}

// NewProduction loads the project at projectDir and discovers its
// declarations once. Discovery failure still yields a serving instance;
// the error rides in the snapshot so /api/chat reports "No agents
// loaded" instead of the process dying at boot.
func NewProduction(ctx context.Context, projectDir string) (*Production, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadProject(abs)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	log := logging.Get(logging.CategoryServer)
	name := filepath.Base(abs)

	env := envcache.New()
	if err := env.LoadProject(name, abs); err != nil {
		log.Warn("loading project env: %v", err)
	}

	snap, err := discovery.Discover(ctx, abs, discovery.Options{})
	if err != nil {
		log.Warn("discovery failed: %v", err)
		snap = registry.NewSnapshot()
		snap.Config = registry.SnapshotConfig{Error: err.Error()}
	}
	for _, a := range snap.Agents {
		a.Project = name
	}
	for _, t := range snap.Tools {
		t.Project = name
	}

	p := &Production{
		projectDir: abs,
		name:       name,
		cfg:        cfg,
		snap:       snap,
		env:        env,
		keys:       apiKeys(),
		mux:        http.NewServeMux(),
		log:        log,
		runCtx:     context.Background(),
	}
	if g, err := config.LoadGlobal(); err == nil {
		p.defaultModel = g.Defaults.Model
	}
	p.productionRoutes()
	return p, nil
}

// Handler returns the production handler chain with the configured CORS
// origins applied.
func (p *Production) Handler() http.Handler {
	return cors(p.cfg.Deploy.API.CORSOrigins, p.mux)
}

// Run serves HTTP until ctx is canceled.
func (p *Production) Run(ctx context.Context, host string, port int) error {
	p.runCtx = ctx
	srv := &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: p.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.log.Info("production server for %q listening on %s", p.name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (p *Production) productionRoutes() {
	p.mux.HandleFunc("GET /api/info", p.getInfo)
	p.mux.HandleFunc("GET /health", p.getHealth)
	p.mux.HandleFunc("POST /api/chat", p.postChat)
	p.mux.HandleFunc("GET /ws/chat", p.wsChat)

	// The hosted chat page and widget bundle ship with the Studio
	// frontend, not this binary. When the toggles are off the routes
	// answer with explicit refusals instead of a bare 404 so embedders
	// see why.
	if !p.cfg.Deploy.Widget.Enabled {
		p.mux.HandleFunc("GET /widget.js", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "Widget is disabled"})
		})
	}
	if !p.cfg.Deploy.Chat.Enabled {
		p.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]string{
				"message": "Chat interface is disabled",
				"api":     "/api/chat",
			})
		})
	}
}

func (p *Production) getInfo(w http.ResponseWriter, r *http.Request) {
	var agent any
	if names := p.snap.AgentNames(); len(names) > 0 {
		agent = names[0]
	}
	writeJSON(w, map[string]any{
		"name":          p.cfg.Name,
		"agent":         agent,
		"auth_required": len(p.keys) > 0,
		"deploy":        p.cfg.Deploy,
	})
}

func (p *Production) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (p *Production) postChat(w http.ResponseWriter, r *http.Request) {
	if len(p.keys) > 0 && !validKey(bearerToken(r), p.keys) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid API key"})
		return
	}

	var body struct {
		Message     string                    `json:"message"`
		Stream      *bool                     `json:"stream"`
		State       map[string]any            `json:"state"`
		Attachments []chat.IncomingAttachment `json:"attachments"`
		AgentName   string                    `json:"agent_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, "invalid request body: %v", err)
		return
	}

	session := chat.SessionFromState(body.State, chat.Options{
		Env:          p.env,
		DefaultModel: p.defaultModel,
	})
	msg := chat.Incoming{
		Message:     body.Message,
		AgentName:   body.AgentName,
		Attachments: body.Attachments,
	}

	if body.Stream != nil && !*body.Stream {
		p.chatOnce(r.Context(), w, session, msg)
		return
	}
	p.chatStream(r.Context(), w, session, msg)
}

// chatOnce runs the turn to completion and answers with the collected
// text plus continuation state. A failed run still returns whatever
// text arrived, with done false.
func (p *Production) chatOnce(ctx context.Context, w http.ResponseWriter, session *chat.Session, msg chat.Incoming) {
	var full strings.Builder
	var last map[string]any
	err := session.Handle(ctx, p.snap, msg, func(event map[string]any) error {
		if event["type"] == "token" {
			if s, ok := event["data"].(string); ok {
				full.WriteString(s)
			}
		}
		last = event
		return nil
	})
	if err != nil {
		p.log.Warn("chat turn failed: %v", err)
	}
	writeJSON(w, map[string]any{
		"response": full.String(),
		"state":    session.State(),
		"done":     last != nil && last["type"] == "done",
	})
}

// chatStream relays chat events as server-sent events, one data frame
// per event, then a [DONE] sentinel.
func (p *Production) chatStream(ctx context.Context, w http.ResponseWriter, session *chat.Session, msg chat.Incoming) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := session.Handle(ctx, p.snap, msg, func(event map[string]any) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flush()
		return nil
	})
	if err != nil {
		p.log.Warn("chat stream aborted: %v", err)
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()
}

// wsChat authenticates after the upgrade so the client gets a readable
// auth_error event and close code instead of a failed handshake.
func (p *Production) wsChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("chat upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if len(p.keys) > 0 && !validKey(r.URL.Query().Get("key"), p.keys) {
		conn.WriteJSON(map[string]any{"type": "auth_error", "data": "Invalid API key"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "invalid api key"))
		return
	}

	serveChat(p.runCtx, conn, func() *registry.ProjectSnapshot { return p.snap }, chat.Options{
		Env:          p.env,
		DefaultModel: p.defaultModel,
	})
}

// apiKeys collects the configured keys from the environment. Nil
// disables auth.
func apiKeys() []string {
	var keys []string
	for _, name := range keyEnvVars {
		for _, k := range strings.Split(os.Getenv(name), ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// validKey reports whether provided matches any configured key. Every
// key is compared in constant time; no early exit.
func validKey(provided string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
