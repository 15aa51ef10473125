package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// Counter is the in-memory state exposed by the backend.
type Counter struct {
	mu sync.Mutex
	n  int
}

func (c *Counter) Get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *Counter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *Counter) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
	return c.n
}

// Router provides the backend HTTP handlers.
// Endpoints:
//
//	GET  {basePath}/                   health check
//	GET  {basePath}/counter            current value
//	POST {basePath}/counter/increment  add one
//	POST {basePath}/counter/reset      back to zero
type Router struct {
	counter  *Counter
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router with a fresh counter.
func NewRouter(basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{counter: &Counter{}, basePath: sanitizeBase(basePath), log: log}
}

// Counter exposes the router's state.
func (r *Router) Counter() *Counter { return r.counter }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), allowAll(), accessLog(r.log))
	group := g.Group(r.basePath)
	group.GET("/", r.handleRoot)
	group.GET("/counter", r.handleGet)
	group.POST("/counter/increment", r.handleIncrement)
	group.POST("/counter/reset", r.handleReset)
	g.NoRoute(func(c *gin.Context) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
	})
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type rootResp struct {
	Message string `json:"message"`
}

type counterResp struct {
	Counter int    `json:"counter"`
	Message string `json:"message,omitempty"`
}

func (r *Router) handleRoot(c *gin.Context) {
	writeJSON(c, http.StatusOK, rootResp{Message: "Backend is running!"})
}

func (r *Router) handleGet(c *gin.Context) {
	writeJSON(c, http.StatusOK, counterResp{Counter: r.counter.Get()})
}

func (r *Router) handleIncrement(c *gin.Context) {
	n := r.counter.Increment()
	writeJSON(c, http.StatusOK, counterResp{Counter: n, Message: fmt.Sprintf("Counter incremented to %d", n)})
}

func (r *Router) handleReset(c *gin.Context) {
	n := r.counter.Reset()
	writeJSON(c, http.StatusOK, counterResp{Counter: n, Message: "Counter reset to 0"})
}
