package atcud

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud/keys"
	"github.com/alapierre/go-atcud/atcud/lock"
	"github.com/alapierre/go-atcud/atcud/metrics"
	"github.com/alapierre/go-atcud/atcud/model"
	"github.com/alapierre/go-atcud/atcud/rsa"
	"github.com/alapierre/go-atcud/atcud/series"
	"github.com/alapierre/go-atcud/atcud/util"
)

const (
	DefaultAttempts       = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
	DefaultBatchDelay     = time.Second

	maxResponseSize = 1 << 20
)

// State of a registration request.
type State string

const (
	StateIdle                State = "IDLE"
	StateCredentialsPrepared State = "CREDENTIALS_PREPARED"
	StateEncrypted           State = "ENCRYPTED"
	StateSent                State = "SENT"
	StateAccepted            State = "ACCEPTED"
	StateAlreadyRegistered   State = "ALREADY_REGISTERED"
	StateRejected            State = "REJECTED"
	StateTransportError      State = "TRANSPORT_ERROR"
)

// Outcome is the terminal result of a registration.
type Outcome struct {
	SeriesID string
	State    State
	// ValidationCode is the code now on file for the series. When Fallback is
	// set it is a locally generated placeholder stored apart from the
	// validation code, and the series stays not communicated.
	ValidationCode string
	Fallback       bool
	// Code and Message are the authority result, verbatim.
	Code     string
	Message  string
	Attempts int
}

// Success reports the idempotent success states.
func (o *Outcome) Success() bool {
	return o != nil && (o.State == StateAccepted || o.State == StateAlreadyRegistered)
}

// ResultCodes are the codResultOper values that drive the outcome. Codes are
// matched exactly, never by message text.
type ResultCodes struct {
	Success           []string
	AlreadyRegistered []string
}

var DefaultResultCodes = ResultCodes{
	Success:           []string{"2001"},
	AlreadyRegistered: []string{"4003"},
}

// RegisterOptions apply to one call.
type RegisterOptions struct {
	// Credentials override every configured provider.
	Credentials *Credentials
	// Force replaces a differing validation code already on file.
	Force bool
}

type ClientConfig struct {
	Environment Environment
	// Endpoint overrides the environment URL.
	Endpoint string
	// TLS must come from keys.PinnedTLSConfig or satisfy keys.CheckPinned.
	TLS                 *tls.Config
	PublicKey           *rsa.PublicKey
	SoftwareCertificate string
	Credentials         CredentialsChain
	Store               series.Store
}

// Client talks to the authority series web service and writes the results
// back to the series store.
type Client struct {
	endpoint     string
	http         *http.Client
	store        series.Store
	encryptor    *Encryptor
	credentials  CredentialsChain
	softwareCert string

	attempts       int
	delay          time.Duration
	attemptTimeout time.Duration
	batchDelay     time.Duration
	codes          ResultCodes

	clock       clockwork.Clock
	sleep       func(ctx context.Context, d time.Duration) error
	metrics     *metrics.Metrics
	locker      lock.Locker
	lease       time.Duration
	lockWait    time.Duration
	newFallback func() string
}

type ClientOption func(*Client)

// WithHTTPClient replaces the transport built from ClientConfig.TLS. Its
// transport must be an *http.Transport with a pinned TLS configuration.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the attempt cap and the base delay; the wait before attempt
// k+1 is k times delay.
func WithRetry(attempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.attemptTimeout = d }
}

func WithBatchDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.batchDelay = d }
}

func WithResultCodes(rc ResultCodes) ClientOption {
	return func(c *Client) { c.codes = rc }
}

func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithSleep replaces the wait used between attempts and batch items.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLocker makes Finalize hold the series lock, so no number is allocated
// between reading the last issued number and retiring the series. It must be
// the Locker the allocator uses. Finalize gives up after wait when the lock
// is held elsewhere.
func WithLocker(l lock.Locker, lease, wait time.Duration) ClientOption {
	return func(c *Client) {
		c.locker = l
		c.lease = lease
		c.lockWait = wait
	}
}

func WithFallbackGenerator(f func() string) ClientOption {
	return func(c *Client) { c.newFallback = f }
}

func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("series store is required")
	}
	if cfg.PublicKey == nil || cfg.PublicKey.Key == nil {
		return nil, errors.Wrap(ErrCertificatesNotConfigured, "authority public key")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = cfg.Environment.BaseURL()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if u.Scheme != "https" {
		return nil, errors.Wrap(ErrInsecureEndpoint, endpoint)
	}

	c := &Client{
		endpoint:       endpoint,
		store:          cfg.Store,
		credentials:    cfg.Credentials,
		softwareCert:   cfg.SoftwareCertificate,
		attempts:       DefaultAttempts,
		delay:          DefaultRetryDelay,
		attemptTimeout: DefaultAttemptTimeout,
		batchDelay:     DefaultBatchDelay,
		codes:          DefaultResultCodes,
		clock:          clockwork.NewRealClock(),
		lease:          30 * time.Second,
		lockWait:       10 * time.Second,
		newFallback:    fallbackCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.softwareCert == "" {
		c.softwareCert = "0"
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	if c.lockWait <= 0 {
		c.lockWait = 10 * time.Second
	}
	c.encryptor = NewEncryptor(cfg.PublicKey, nil, c.clock)

	if c.http == nil {
		if cfg.TLS == nil {
			return nil, errors.Wrap(ErrCertificatesNotConfigured, "client TLS configuration")
		}
		if err := keys.CheckPinned(cfg.TLS); err != nil {
			return nil, errors.Wrap(ErrTLSNotPinned, err.Error())
		}
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     cfg.TLS.Clone(),
			TLSHandshakeTimeout: 15 * time.Second,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		}}
	} else {
		t, ok := c.http.Transport.(*http.Transport)
		if !ok {
			return nil, errors.Wrap(ErrTLSNotPinned, "transport is not *http.Transport")
		}
		if err := keys.CheckPinned(t.TLSClientConfig); err != nil {
			return nil, errors.Wrap(ErrTLSNotPinned, err.Error())
		}
	}
	return c, nil
}

// Register communicates a series to the authority and stores the result.
//
// Accepted and already registered outcomes return a nil error. A rejection
// returns the outcome with an *AuthorityError; exhausted retries return the
// outcome with a *TransportError. Configuration and validation errors return
// no outcome and are never retried.
func (c *Client) Register(ctx context.Context, seriesID string, opts RegisterOptions) (*Outcome, error) {
	out, err := c.register(ctx, seriesID, opts)
	if out != nil {
		c.metrics.ObserveRegistration(strings.ToLower(string(out.State)))
	}
	return out, err
}

func (c *Client) register(ctx context.Context, seriesID string, opts RegisterOptions) (*Outcome, error) {
	log := logger.WithField("series_id", seriesID)
	log.Debug("registration ", StateIdle)

	s, err := c.activeSeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	log = log.WithField("prefix", s.Prefix)

	class, ok := s.Class()
	if !ok {
		return nil, &series.FormatError{Field: "document_type", Value: string(s.DocumentType), Err: ErrSeriesNotRegistrable}
	}
	wire, err := series.WireForm(s.Prefix)
	if err != nil {
		return nil, err
	}
	req := model.RegisterSeriesRequest{
		Series:              wire,
		SeriesType:          string(s.Type),
		Class:               string(class),
		DocumentType:        string(s.DocumentType),
		FirstNumber:         s.CurrentSequence,
		ExpectedStart:       s.StartDate,
		SoftwareCertificate: c.softwareCert,
		ProcessingMethod:    model.ProcessingMethodSoftware,
	}

	creds, err := resolveCredentials(ctx, opts.Credentials, c.credentials, s.LegalEntity)
	if err != nil {
		return nil, errors.Wrapf(err, "legal entity %s", s.LegalEntity)
	}
	log.Debug("registration ", StateCredentialsPrepared)

	res, state, attempts, err := c.exchange(ctx, exchange{
		op:    opRegister,
		body:  registerBody(req),
		creds: creds,
		log:   log,
		record: func(at time.Time, lastErr string) {
			if err := c.store.RecordAttempt(context.WithoutCancel(ctx), s.ID, at, lastErr); err != nil {
				log.WithError(err).Error("record communication attempt")
			}
		},
	})
	if res == nil && state != StateTransportError {
		return nil, err
	}

	out := &Outcome{SeriesID: s.ID, State: state, Attempts: attempts}
	if res != nil {
		out.Code, out.Message = res.Result.Code, res.Result.Message
	}
	log = log.WithFields(logrus.Fields{"attempts": attempts, "code": out.Code})

	switch state {
	case StateAccepted:
		return c.accepted(ctx, s, res, out, opts, log)
	case StateAlreadyRegistered:
		return c.alreadyRegistered(ctx, s, creds, res, out, log)
	case StateRejected:
		log.WithField("message", out.Message).Warn("registration ", state)
		return out, err
	default:
		log.WithError(err).Warn("registration ", state)
		return out, err
	}
}

func (c *Client) accepted(ctx context.Context, s *series.Series, res *model.Response, out *Outcome, opts RegisterOptions, log *logrus.Entry) (*Outcome, error) {
	code := res.ValidationCode
	if code == "" {
		fb := c.newFallback()
		if err := c.store.SetFallbackCode(ctx, s.ID, fb); err != nil {
			return out, errors.Wrap(err, "store fallback code")
		}
		out.ValidationCode = fb
		out.Fallback = true
		log.WithField("fallback_code", fb).Warn("registration accepted without a recognizable validation code")
		return out, nil
	}
	if err := c.store.SetValidationCode(ctx, s.ID, code, opts.Force); err != nil {
		return out, errors.Wrap(err, "store validation code")
	}
	out.ValidationCode = code
	log.WithField("validation_code", code).Info("registration ", StateAccepted)
	return out, nil
}

// alreadyRegistered keeps the code on file. Without one it asks the
// authority for it.
func (c *Client) alreadyRegistered(ctx context.Context, s *series.Series, creds Credentials, res *model.Response, out *Outcome, log *logrus.Entry) (*Outcome, error) {
	code := s.ValidationCode
	if code == "" {
		code = res.ValidationCode
	}
	if code == "" {
		info, err := c.lookup(ctx, s, creds, log)
		if err != nil {
			log.WithError(err).Warn("series already registered, validation code lookup failed")
			return out, nil
		}
		code = info.ValidationCode
	}
	if err := c.store.SetValidationCode(ctx, s.ID, code, false); err != nil {
		return out, errors.Wrap(err, "store validation code")
	}
	out.ValidationCode = code
	log.WithField("validation_code", code).Info("registration ", StateAlreadyRegistered)
	return out, nil
}

// Lookup asks the authority for the registration of a series and stores the
// returned validation code when none is on file.
func (c *Client) Lookup(ctx context.Context, seriesID string, opts RegisterOptions) (*model.SeriesInfo, error) {
	s, err := c.store.Get(ctx, seriesID)
	if err != nil {
		return nil, errors.Wrapf(err, "series %s", seriesID)
	}
	log := logger.WithFields(logrus.Fields{"series_id": s.ID, "prefix": s.Prefix})
	creds, err := resolveCredentials(ctx, opts.Credentials, c.credentials, s.LegalEntity)
	if err != nil {
		return nil, errors.Wrapf(err, "legal entity %s", s.LegalEntity)
	}
	info, err := c.lookup(ctx, s, creds, log)
	if err != nil {
		return nil, err
	}
	if s.ValidationCode == "" && info.ValidationCode != "" {
		if err := c.store.SetValidationCode(ctx, s.ID, info.ValidationCode, false); err != nil {
			return info, errors.Wrap(err, "store validation code")
		}
	}
	return info, nil
}

func (c *Client) lookup(ctx context.Context, s *series.Series, creds Credentials, log *logrus.Entry) (*model.SeriesInfo, error) {
	wire, err := series.WireForm(s.Prefix)
	if err != nil {
		return nil, err
	}
	req := model.LookupSeriesRequest{Series: wire, DocumentType: string(s.DocumentType)}
	if class, ok := s.Class(); ok {
		req.Class = string(class)
	}
	res, _, _, err := c.exchange(ctx, exchange{op: opLookup, body: lookupBody(req), creds: creds, log: log})
	if err != nil {
		return nil, err
	}
	for i := range res.Series {
		info := res.Series[i]
		if info.Series == wire && series.ValidateValidationCode(info.ValidationCode) == nil {
			return &info, nil
		}
	}
	return nil, errors.Wrapf(series.ErrSeriesNotFound, "authority has no series %s", wire)
}

// Finalize reports the last issued number of a series to the authority and
// retires it locally. It is the required step once a series overflows.
func (c *Client) Finalize(ctx context.Context, seriesID, justification string, opts RegisterOptions) error {
	if c.locker != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.lockWait)
		lease, err := c.locker.Obtain(waitCtx, lock.SeriesKey(seriesID), c.lease)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "series %s", seriesID)
		}
		defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	}

	s, err := c.activeSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	if s.ValidationCode == "" {
		return errors.Wrapf(ErrSeriesNotCommunicated, "series %s", seriesID)
	}
	log := logger.WithFields(logrus.Fields{"series_id": s.ID, "prefix": s.Prefix})
	class, ok := s.Class()
	if !ok {
		return &series.FormatError{Field: "document_type", Value: string(s.DocumentType), Err: ErrSeriesNotRegistrable}
	}
	wire, err := series.WireForm(s.Prefix)
	if err != nil {
		return err
	}
	creds, err := resolveCredentials(ctx, opts.Credentials, c.credentials, s.LegalEntity)
	if err != nil {
		return errors.Wrapf(err, "legal entity %s", s.LegalEntity)
	}

	req := model.FinalizeSeriesRequest{
		Series:         wire,
		Class:          string(class),
		DocumentType:   string(s.DocumentType),
		ValidationCode: s.ValidationCode,
		LastNumber:     s.LastIssued(),
		Justification:  justification,
	}
	if _, _, _, err := c.exchange(ctx, exchange{op: opFinalize, body: finalizeBody(req), creds: creds, log: log}); err != nil {
		return err
	}
	if err := c.store.Finalize(ctx, s.ID); err != nil {
		return errors.Wrap(err, "finalize series locally")
	}
	log.WithField("last_number", req.LastNumber).Info("series finalized")
	return nil
}

// BatchItem is the result of one series of a batch.
type BatchItem struct {
	SeriesID string
	Outcome  *Outcome
	Err      error
}

// RegisterBatch registers series one by one in the given order, waiting the
// batch delay between requests. A failed item never stops the batch.
func (c *Client) RegisterBatch(ctx context.Context, seriesIDs []string, opts RegisterOptions) []BatchItem {
	items := make([]BatchItem, 0, len(seriesIDs))
	for i, id := range seriesIDs {
		if i > 0 {
			if err := c.wait(ctx, c.batchDelay); err != nil {
				items = append(items, BatchItem{SeriesID: id, Err: err})
				continue
			}
		}
		out, err := c.Register(ctx, id, opts)
		items = append(items, BatchItem{SeriesID: id, Outcome: out, Err: err})
	}
	logger.WithFields(logrus.Fields{"series": len(seriesIDs), "failed": countFailed(items)}).Info("batch registration done")
	return items
}

func countFailed(items []BatchItem) int {
	n := 0
	for _, it := range items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

func (c *Client) activeSeries(ctx context.Context, seriesID string) (*series.Series, error) {
	s, err := c.store.Get(ctx, seriesID)
	if err != nil {
		return nil, errors.Wrapf(err, "series %s", seriesID)
	}
	if s.Status == series.StatusFinalized {
		return nil, errors.Wrapf(series.ErrSeriesFinalized, "series %s", seriesID)
	}
	return s, nil
}

type exchange struct {
	op    string
	body  func(*etree.Element)
	creds Credentials
	log   *logrus.Entry
	// record, when set, persists every attempt.
	record func(at time.Time, lastErr string)
}

// exchange runs the bounded retry loop. Only send failures (network, timeout,
// unreadable response) are retried; every attempt encrypts a fresh token.
func (c *Client) exchange(ctx context.Context, x exchange) (*model.Response, State, int, error) {
	var lastErr error
	attempt := 0
	for attempt < c.attempts {
		attempt++
		if attempt > 1 {
			if err := c.wait(ctx, time.Duration(attempt-1)*c.delay); err != nil {
				return nil, StateTransportError, attempt - 1, &TransportError{Attempts: attempt - 1, Err: err}
			}
		}
		log := x.log.WithFields(logrus.Fields{"op": x.op, "attempt": attempt})

		tok, err := c.encryptor.Encrypt(x.creds)
		if err != nil {
			return nil, StateCredentialsPrepared, attempt - 1, err
		}
		log.Debug("registration ", StateEncrypted)

		payload, err := buildEnvelope(&tok, x.op, x.body).WriteToBytes()
		if err != nil {
			return nil, StateEncrypted, attempt - 1, errors.Wrap(err, "write envelope")
		}
		if util.HttpTraceEnabled() {
			if redacted, err := buildEnvelope(nil, x.op, x.body).WriteToString(); err == nil {
				log.Trace(redacted)
			}
		}

		at := c.clock.Now().UTC()
		c.metrics.ObserveAttempt()
		log.Debug("registration ", StateSent)
		res, err := c.send(ctx, x.op, payload)
		if err != nil {
			lastErr = err
			log.WithError(err).Warn("authority call failed")
			if x.record != nil {
				x.record(at, err.Error())
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		state, appErr := c.classify(x.op, res)
		if x.record != nil {
			msg := ""
			if appErr != nil {
				msg = appErr.Error()
			}
			x.record(at, msg)
		}
		return res, state, attempt, appErr
	}
	return nil, StateTransportError, attempt, &TransportError{Attempts: attempt, Err: lastErr}
}

func (c *Client) classify(op string, res *model.Response) (State, error) {
	code := res.Result.Code
	switch {
	case slices.Contains(c.codes.Success, code):
		return StateAccepted, nil
	case code == "" && !res.Fault:
		return StateAccepted, nil
	case op == opRegister && slices.Contains(c.codes.AlreadyRegistered, code):
		return StateAlreadyRegistered, nil
	default:
		return StateRejected, &AuthorityError{Operation: op, Code: code, Message: res.Result.Message}
	}
}

func (c *Client) send(ctx context.Context, op string, payload []byte) (*model.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", nsSeries+op)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "post")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	res, err := parseResponse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "http status %d", resp.StatusCode)
	}
	return res, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

// fallbackCode is unique per call and well formed, so it can be told apart
// from authority codes only by the Fallback flag and the FallbackCode field.
func fallbackCode() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "FB" + id[:8]
}
