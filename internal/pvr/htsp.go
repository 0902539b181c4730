package pvr

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

const (
	// HTSPVersion is the protocol version announced in hello.
	HTSPVersion = 25

	// DefaultTimeout bounds one complete schedule query.
	DefaultTimeout = 10 * time.Second

	clientName = "htpcwatch"
)

var (
	// ErrNotConnected is returned when the backend cannot be reached.
	ErrNotConnected = errors.New("tvheadend not reachable")

	// ErrAccessDenied is returned when the server rejects the credentials.
	ErrAccessDenied = errors.New("tvheadend access denied")
)

// ClientConfig holds the HTSP connection settings.
type ClientConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	ClientVersion string
	Timeout       time.Duration
}

// DefaultClientConfig returns settings for a local tvheadend.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:          "localhost",
		Port:          9982,
		ClientVersion: "dev",
		Timeout:       DefaultTimeout,
	}
}

// Address returns host:port.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client implements domain.RecordingBackend over HTSP.
// Every Schedule call uses its own short-lived connection.
type Client struct {
	cfg    ClientConfig
	dialer net.Dialer
	logger *zap.Logger
}

// NewClient creates an HTSP client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Schedule connects, syncs the DVR entries and disconnects.
func (c *Client) Schedule(ctx context.Context) (domain.Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	s := &session{conn: conn, username: c.cfg.Username}

	hello, err := s.call(Message{
		"method":        "hello",
		"htspversion":   int64(HTSPVersion),
		"clientname":    clientName,
		"clientversion": c.cfg.ClientVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	server, _ := hello.Str("servername")
	version, _ := hello.Str("serverversion")
	c.logger.Debug("HTSP hello",
		zap.String("server", server),
		zap.String("version", version))

	if c.cfg.Username != "" {
		challenge, _ := hello.Bin("challenge")
		reply, err := s.call(Message{
			"method": "authenticate",
			"digest": Digest(c.cfg.Password, challenge),
		})
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		if denied, _ := reply.Int("noaccess"); denied != 0 {
			return nil, ErrAccessDenied
		}
	}

	if err := s.send(Message{"method": "enableAsyncMetadata"}); err != nil {
		return nil, fmt.Errorf("enableAsyncMetadata: %w", err)
	}

	entries, err := s.syncDvrEntries()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("HTSP schedule synced", zap.Int("entries", len(entries)))
	return entries, nil
}

// Digest is the HTSP authentication digest: sha1(password || challenge).
func Digest(password string, challenge []byte) []byte {
	h := sha1.New()
	h.Write([]byte(password))
	h.Write(challenge)
	return h.Sum(nil)
}

type session struct {
	conn     net.Conn
	username string
	seq      int64
}

func (s *session) send(m Message) error {
	s.seq++
	m["seq"] = s.seq
	if s.username != "" {
		m["username"] = s.username
	}
	return WriteMessage(s.conn, m)
}

// call sends m and returns the reply carrying the same sequence number.
func (s *session) call(m Message) (Message, error) {
	if err := s.send(m); err != nil {
		return nil, err
	}
	want := s.seq
	for {
		reply, err := ReadMessage(s.conn)
		if err != nil {
			return nil, err
		}
		if seq, ok := reply.Int("seq"); !ok || seq != want {
			continue
		}
		if msg, ok := reply.Str("error"); ok {
			return nil, fmt.Errorf("server error: %s", msg)
		}
		return reply, nil
	}
}

// syncDvrEntries collects DVR entries until the server reports the initial sync done.
func (s *session) syncDvrEntries() (domain.Schedule, error) {
	byID := map[int64]domain.Recording{}
	var order []int64

	for {
		m, err := ReadMessage(s.conn)
		if err != nil {
			return nil, fmt.Errorf("reading metadata: %w", err)
		}
		if msg, ok := m.Str("error"); ok {
			return nil, fmt.Errorf("server error: %s", msg)
		}

		method, _ := m.Str("method")
		switch method {
		case "dvrEntryAdd", "dvrEntryUpdate":
			id, ok := m.Int("id")
			if !ok {
				continue
			}
			rec, seen := byID[id]
			if !seen {
				order = append(order, id)
			}
			byID[id] = mergeDvrEntry(rec, m)
		case "dvrEntryDelete":
			if id, ok := m.Int("id"); ok {
				delete(byID, id)
			}
		case "initialSyncCompleted":
			schedule := make(domain.Schedule, 0, len(byID))
			for _, id := range order {
				if rec, ok := byID[id]; ok {
					schedule = append(schedule, rec)
				}
			}
			return schedule, nil
		}
	}
}

// mergeDvrEntry applies the fields present in m; updates carry only changes.
func mergeDvrEntry(rec domain.Recording, m Message) domain.Recording {
	if v, ok := m.Int("id"); ok {
		rec.ID = uint32(v)
	}
	if v, ok := m.Int("channel"); ok {
		rec.Channel = uint32(v)
	}
	if v, ok := m.Int("start"); ok {
		rec.Start = time.Unix(v, 0)
	}
	if v, ok := m.Int("stop"); ok {
		rec.Stop = time.Unix(v, 0)
	}
	if v, ok := m.Str("title"); ok {
		rec.Title = v
	}
	if v, ok := m.Str("state"); ok {
		rec.State = parseState(v)
	}
	return rec
}

func parseState(s string) domain.RecordingState {
	switch domain.RecordingState(s) {
	case domain.RecordingScheduled, domain.RecordingActive, domain.RecordingCompleted, domain.RecordingMissed:
		return domain.RecordingState(s)
	default:
		return domain.RecordingInvalid
	}
}

// Ensure Client implements domain.RecordingBackend.
var _ domain.RecordingBackend = (*Client)(nil)
