package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/losfair/fwboot/fwboot-libs/classify"
	"github.com/losfair/fwboot/fwboot-libs/concurrency"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type ApiServerConfig struct {
	Listen                       string              `json:"listen"`
	Certificates                 []CertificateConfig `json:"certificates"`
	ClientKeys                   []ClientKey         `json:"client_keys"`
	MaxConcurrentQuicConnections int                 `json:"max_concurrent_quic_connections"`
}

type CertificateConfig struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

type ClientKey struct {
	Id     string   `json:"id"`
	Secret string   `json:"secret"`
	Scopes []string `json:"scopes"`
}

type ScriptRunner interface {
	Execute(ctx context.Context, script string) error
}

type ApiServer struct {
	Logger     *zap.Logger
	Config     *ApiServerConfig
	Classifier *classify.Classifier
	Ledger     *ledger.Ledger
	Session    *update.Session
	Bridge     *mailbox.Bridge
	CRCs       *concurrency.Task[CRCReport]
	Shell      ScriptRunner
	// Where Shell writes command output.
	ShellOutput *bytes.Buffer
}

var shellLock sync.Mutex

func (s *ApiServer) accounts(scope string) gin.Accounts {
	accounts := gin.Accounts{}
	for _, clientKey := range s.Config.ClientKeys {
		if lo.Contains(clientKey.Scopes, scope) && clientKey.Secret != "" {
			accounts[clientKey.Id] = clientKey.Secret
		}
	}
	return accounts
}

func (s *ApiServer) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	// max concurrency = 10
	// reject requests above this
	sem := make(chan struct{}, 10)
	g.Use(func(ctx *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() {
				<-sem
			}()
			ctx.Next()
		default:
			ctx.JSON(429, gin.H{"error": "too many requests"})
		}
	})

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if accounts := s.accounts("status"); len(accounts) != 0 {
		group := g.Group("/status", gin.BasicAuth(accounts))
		group.GET("/boot", s.bootStatus)
		group.GET("/images", s.images)
		group.GET("/update", s.updateStatus)
		group.GET("/crcs", s.crcs)
		s.Logger.Info("enabled api", zap.String("api", "status"))
	}

	if accounts := s.accounts("update"); len(accounts) != 0 {
		group := g.Group("/mailbox", gin.BasicAuth(accounts))
		group.POST("/call", s.mailboxCall)
		s.Logger.Info("enabled api", zap.String("api", "mailbox"))
	}

	if accounts := s.accounts("shell"); len(accounts) != 0 && s.Shell != nil {
		group := g.Group("/shell", gin.BasicAuth(accounts))
		group.POST("/run", s.runScript)
		s.Logger.Info("enabled api", zap.String("api", "shell"))
	}

	return g.Handler()
}

// Run serves plain HTTP without certificates, otherwise TLS over TCP and
// HTTP/3 on the same port.
func (s *ApiServer) Run() error {
	handler := s.Handler()
	if len(s.Config.Certificates) == 0 {
		s.Logger.Info("starting plain http api server")
		return http.ListenAndServe(s.Config.Listen, handler)
	}

	tlsCerts := make([]tls.Certificate, len(s.Config.Certificates))
	for i, cert := range s.Config.Certificates {
		c, err := tls.X509KeyPair([]byte(cert.Cert), []byte(cert.Key))
		if err != nil {
			return err
		}
		tlsCerts[i] = c
	}

	s.startQuicServer(tlsCerts, handler)

	h2s := &http.Server{Addr: s.Config.Listen, Handler: handler, TLSConfig: &tls.Config{Certificates: tlsCerts}}
	s.Logger.Info("starting h2 api server")
	return h2s.ListenAndServeTLS("", "")
}

func (s *ApiServer) startQuicServer(certs []tls.Certificate, handler http.Handler) {
	logger := s.Logger.With(zap.String("protocol", "quic"))
	udpServer, err := net.ListenPacket("udp", s.Config.Listen)
	if err != nil {
		logger.Error("udp server listen failed", zap.Error(err))
		return
	}
	transport := quic.Transport{Conn: udpServer}

	quicServer, err := transport.Listen(&tls.Config{
		Certificates: certs,
		NextProtos:   []string{"h3"},
	}, nil)
	if err != nil {
		logger.Error("quic server listen failed", zap.Error(err))
		return
	}

	h3s := &http3.Server{Handler: handler}
	maxConcurrency := s.Config.MaxConcurrentQuicConnections
	if maxConcurrency == 0 {
		maxConcurrency = 16
	}
	sem := make(chan struct{}, maxConcurrency)
	logger.Info("starting quic server", zap.Int("max_concurrent_connections", maxConcurrency), zap.String("listen", s.Config.Listen))

	go func() {
		for {
			sem <- struct{}{}
			conn, err := quicServer.Accept(context.Background())
			if err != nil {
				logger.Error("quic accept failed", zap.Error(err))
				return
			}

			go func() {
				defer func() { <-sem }()
				defer conn.CloseWithError(0, "close")
				if err := h3s.ServeQUICConn(conn); err != nil {
					logger.Debug("http3 conn error", zap.Error(err), zap.String("peer", conn.RemoteAddr().String()))
				}
			}()
		}
	}()
}

func (s *ApiServer) bootStatus(c *gin.Context) {
	cls := s.Classifier.Classify(c.Request.Context())
	c.JSON(200, gin.H{
		"classification":      cls.String(),
		"supports_production": s.Classifier.SupportsProduction(),
		"host_requested":      s.Classifier.HostRequested(),
	})
}

func (s *ApiServer) images(c *gin.Context) {
	entries, err := s.Ledger.Dump()
	if err != nil {
		s.Logger.Warn("failed to read image records", zap.Error(err))
		c.JSON(500, gin.H{"error": "failed to read image records"})
		return
	}
	coherent := s.Ledger.CheckCoherence() == nil
	c.JSON(200, gin.H{"images": entries, "coherent": coherent})
}

func (s *ApiServer) updateStatus(c *gin.Context) {
	c.JSON(200, s.Session.Status())
}

// CRCReport is the outcome of the image crc sweep run at startup.
type CRCReport struct {
	Ledger  []string `json:"ledger"`
	Runtime []string `json:"runtime"`
	Golden  []string `json:"golden"`
}

func errorList(err error) []string {
	if err == nil {
		return []string{}
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return lo.Map(merr.Errors, func(e error, _ int) string { return e.Error() })
	}
	return []string{err.Error()}
}

func (s *ApiServer) crcs(c *gin.Context) {
	if s.CRCs == nil {
		c.JSON(404, gin.H{"error": "crc sweep disabled"})
		return
	}
	report, ok := s.CRCs.Poll()
	if !ok {
		c.JSON(503, gin.H{"error": "crc sweep still running"})
		return
	}
	c.JSON(200, report)
}

// mailboxCall hands a raw mailbox request to the update service and
// returns the raw response.
func (s *ApiServer) mailboxCall(c *gin.Context) {
	if c.Request.ContentLength > mailbox.MaxMessageSize {
		c.JSON(400, gin.H{"error": "mailbox message is too big"})
		return
	}
	req, err := io.ReadAll(io.LimitReader(c.Request.Body, mailbox.MaxMessageSize+1))
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read request body"})
		return
	}

	resp, err := s.Bridge.Call(c.Request.Context(), req)
	switch {
	case errors.Is(err, mailbox.ErrBridgeBusy):
		c.JSON(409, gin.H{"error": "mailbox call already in progress"})
	case errors.Is(err, mailbox.ErrMessageTooLarge):
		c.JSON(400, gin.H{"error": "mailbox message is too big"})
	case err != nil:
		s.Logger.Warn("mailbox call failed", zap.Error(err))
		c.JSON(503, gin.H{"error": "mailbox call failed"})
	case len(resp) == 0:
		c.JSON(400, gin.H{"error": "request dropped by the update service"})
	default:
		c.Data(200, "application/octet-stream", resp)
	}
}

func (s *ApiServer) runScript(c *gin.Context) {
	if !shellLock.TryLock() {
		c.JSON(409, gin.H{"error": "a script is already running"})
		return
	}
	defer shellLock.Unlock()

	script, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read request body"})
		return
	}

	s.Logger.Info("running script from api", zap.String("script", string(script)))
	if s.ShellOutput != nil {
		s.ShellOutput.Reset()
	}
	err = s.Shell.Execute(c.Request.Context(), string(script))
	output := ""
	if s.ShellOutput != nil {
		output = s.ShellOutput.String()
	}
	if err != nil {
		c.JSON(500, gin.H{"success": false, "output": output, "error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"success": true, "output": output})
}
