// Package printer runs single, time-bounded print attempts over one protocol
// and port, and classifies what went wrong when they fail.
package printer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/receipt"
)

// maxBody bounds how much of a printer or proxy reply is read.
const maxBody = 64 << 10

// Payloads renders the order for each wire format.
type Payloads interface {
	Raw(ctx context.Context, o model.Order) ([]byte, error)
	XML(o model.Order) []byte
}

type Request struct {
	Host     string
	Port     int
	Protocol model.Protocol
	Order    model.Order
	Timeout  time.Duration
}

func (r Request) addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type Config struct {
	// ProxyURL is the backend endpoint that prints on the terminal's behalf.
	ProxyURL    string
	APIKey      string
	DeviceID    string
	InsecureTLS bool
}

// Runner executes one attempt at a time; it holds no per-order state and is
// safe for concurrent use.
type Runner struct {
	cfg      Config
	payloads Payloads
	dialer   *net.Dialer
	printers *http.Client
	backend  *http.Client
	log      *zap.Logger
}

func NewRunner(cfg Config, payloads Payloads, log *zap.Logger) *Runner {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "local_printer"
	}
	// Deadlines come from the request context, not from the clients.
	printerTransport := http.DefaultTransport.(*http.Transport).Clone()
	printerTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureTLS} //nolint:gosec // printers ship self-signed certificates
	printerTransport.DisableKeepAlives = true

	return &Runner{
		cfg:      cfg,
		payloads: payloads,
		dialer:   &net.Dialer{},
		printers: &http.Client{Transport: printerTransport},
		backend:  &http.Client{},
		log:      log.With(zap.String("component", "printer")),
	}
}

// Attempt makes exactly one try and returns nil on success or an
// *AttemptError. The request timeout is a hard upper bound.
func (r *Runner) Attempt(ctx context.Context, req Request) error {
	if req.Timeout <= 0 {
		return r.fail(req, KindProtocol, errors.New("attempt without timeout"))
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var err error
	switch req.Protocol {
	case model.ProtocolRaw:
		err = r.raw(ctx, req)
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		err = r.epos(ctx, req)
	case model.ProtocolProxy:
		err = r.proxy(ctx, req)
	default:
		return r.fail(req, KindProtocol, fmt.Errorf("unsupported protocol %q", req.Protocol))
	}
	if err == nil {
		return nil
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return err
	}
	return r.fail(req, classify(err), err)
}

func (r *Runner) fail(req Request, kind FailureKind, err error) error {
	return &AttemptError{Kind: kind, Protocol: req.Protocol, Addr: req.addr(), Err: err}
}

// --- Raw socket (ESC/POS) ---

func (r *Runner) raw(ctx context.Context, req Request) error {
	job, err := r.payloads.Raw(ctx, req.Order)
	if err != nil {
		return r.fail(req, KindProtocol, fmt.Errorf("render: %w", err))
	}

	conn, err := r.dialer.DialContext(ctx, "tcp", req.addr())
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	r.log.Debug("sending raw job", zap.String("addr", req.addr()), zap.Int("bytes", len(job)))
	if _, err := conn.Write(job); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	return nil
}

// --- HTTP / HTTPS (ePOS-Print XML) ---

func (r *Runner) epos(ctx context.Context, req Request) error {
	scheme := "http"
	if req.Protocol == model.ProtocolHTTPS {
		scheme = "https"
	}
	q := url.Values{}
	q.Set("devid", r.cfg.DeviceID)
	q.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
	target := url.URL{Scheme: scheme, Host: req.addr(), Path: receipt.EposPath, RawQuery: q.Encode()}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(r.payloads.XML(req.Order)))
	if err != nil {
		return r.fail(req, KindProtocol, err)
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", `""`)

	resp, err := r.printers.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return r.fail(req, KindProtocol, fmt.Errorf("printer answered %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
	result, err := receipt.ParseEposResponse(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return r.fail(req, KindProtocol, err)
	}
	if !result.Success {
		return r.fail(req, KindProtocol, fmt.Errorf("printer rejected job (code=%q status=%q)", result.Code, result.Status))
	}
	return nil
}

// --- Backend proxy ---

type proxyRequest struct {
	PrinterIP string      `json:"printerIP"`
	Port      int         `json:"port"`
	Order     model.Order `json:"order"`
}

type proxyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r *Runner) proxy(ctx context.Context, req Request) error {
	if r.cfg.ProxyURL == "" {
		return r.fail(req, KindProtocol, errors.New("no backend proxy configured"))
	}
	jsonData, err := json.Marshal(proxyRequest{PrinterIP: req.Host, Port: req.Port, Order: req.Order})
	if err != nil {
		return r.fail(req, KindProtocol, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ProxyURL, bytes.NewReader(jsonData))
	if err != nil {
		return r.fail(req, KindProtocol, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", r.cfg.APIKey)
	}

	resp, err := r.backend.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	var out proxyResponse
	if jsonErr := json.Unmarshal(body, &out); jsonErr != nil {
		return r.fail(req, KindProtocol, fmt.Errorf("proxy answered %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
	if resp.StatusCode >= 400 || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return r.fail(req, KindProtocol, fmt.Errorf("proxy could not print: %s", msg))
	}
	return nil
}
