// Package mirror republishes bridge updates on NATS so that other services
// can follow the process values without opening a viewer connection.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// publisher is the part of *nats.Conn the mirror uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Update is the JSON body of a mirrored message.
type Update struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
	Time  time.Time   `json:"time"`
}

type Mirror struct {
	pub     publisher
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
	now     func() time.Time
}

// Connect dials url and returns a mirror publishing below subject.
func Connect(url, subject string, log zerolog.Logger) (*Mirror, error) {
	if subject == "" {
		return nil, errors.New("mirror subject is empty")
	}
	nc, err := nats.Connect(url,
		nats.Name("plc-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	m := newMirror(nc, subject, log)
	m.conn = nc
	return m, nil
}

func newMirror(pub publisher, subject string, log zerolog.Logger) *Mirror {
	return &Mirror{pub: pub, subject: subject, log: log, now: time.Now}
}

// Publish sends one update to <subject>.<name>. Failures are logged; the
// bridge never waits on the mirror.
func (m *Mirror) Publish(name string, value interface{}) {
	data, err := json.Marshal(Update{Name: name, Value: value, Time: m.now().UTC()})
	if err != nil {
		m.log.Error().Err(err).Str("name", name).Msg("marshal update")
		return
	}
	subject := m.subject + "." + subjectToken(name)
	if err := m.pub.Publish(subject, data); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("publish update")
	}
}

// Close flushes pending messages and closes the connection.
func (m *Mirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}

// subjectToken makes name safe to use as one subject token.
func subjectToken(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}
