// Package server - HTTP-Router und Server-Setup fuer die Policy-Inferenz
// Beinhaltet: Server-Struct, Router-Registrierung, Middleware, Server-Start
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/store"
	"github.com/ollama/diffpolicy/version"
)

var mode string = gin.DebugMode

// Server haelt die geladene Policy und serialisiert Regelschritte.
// Eine Policy hat genau einen Satz Queues, daher laeuft immer nur eine Anfrage.
type Server struct {
	addr   net.Addr
	policy *policy.Policy
	store  *store.Store
	sem    *semaphore.Weighted

	// session wird bei jedem Reset neu vergeben, geschuetzt durch sem
	session string
}

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// New erzeugt einen Server. p und st duerfen nil sein.
func New(p *policy.Policy, st *store.Store) *Server {
	if p != nil {
		p.Eval()
		p.Reset()
	}
	return &Server{
		policy:  p,
		store:   st,
		sem:     semaphore.NewWeighted(1),
		session: uuid.New().String(),
	}
}

// isLocalIP prueft ob die IP-Adresse einem lokalen Interface gehoert
func isLocalIP(ip netip.Addr) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}

	return slices.ContainsFunc(addrs, func(a net.Addr) bool {
		prefix, err := netip.ParsePrefix(a.String())
		return err == nil && prefix.Addr().Unmap() == ip.Unmap()
	})
}

// localTLDs sind Host-Endungen, die nur im lokalen Netz aufloesen
var localTLDs = []string{"localhost", "local", "internal"}

// allowedHost prueft ob der Host ein lokaler Name ist
func allowedHost(host string) bool {
	host = strings.ToLower(host)

	if host == "" || host == "localhost" {
		return true
	}

	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}

	return slices.ContainsFunc(localTLDs, func(tld string) bool {
		return strings.HasSuffix(host, "."+tld)
	})
}

// allowedHostsMiddleware blockiert Anfragen von fremden Hosts, wenn der
// Server nur auf Loopback lauscht
func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || isLocalIP(addr) {
				c.Next()
				return
			}
		}

		if allowedHost(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "diffpolicy is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "diffpolicy is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	// Policy
	r.GET("/api/policy", s.PolicyHandler)
	r.POST("/api/policy/reset", s.ResetHandler)
	r.POST("/api/policy/act", s.ActHandler)

	// Trainingslaeufe
	r.GET("/api/runs", s.RunsHandler)
	r.GET("/api/runs/:id/steps", s.StepsHandler)

	return r
}

// Serve startet den HTTP-Server und blockiert bis SIGINT/SIGTERM
func Serve(ln net.Listener, p *policy.Policy, st *store.Store) error {
	slog.Info("server config", "env", envconfig.Values())

	s := New(p, st)
	s.addr = ln.Addr()

	ctx, done := context.WithCancel(context.Background())

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		if st != nil {
			st.Close()
		}
		done()
	}()

	err := srvr.Serve(ln)
	// If server is closed from the signal handler, wait for the ctx to be done
	// otherwise error out quickly
	if !slices.Contains([]error{http.ErrServerClosed}, err) {
		return err
	}
	<-ctx.Done()
	return nil
}
