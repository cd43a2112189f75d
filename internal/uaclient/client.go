// Package uaclient implements upstream.Client on top of gopcua.
package uaclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/plc-bridge/backend/internal/config"
	"github.com/plc-bridge/backend/internal/upstream"
)

const notifyBuffer = 16

type Client struct {
	endpoint  string
	valueType string
	opts      []opcua.Option
	log       zerolog.Logger

	mu sync.Mutex
	c  *opcua.Client
}

// New returns an unconnected client for cfg.Endpoint. Reconnection is left
// to the caller: a lost session surfaces as a terminated subscription.
func New(cfg config.UpstreamConfig, log zerolog.Logger) *Client {
	return &Client{
		endpoint:  cfg.Endpoint,
		valueType: cfg.ValueType,
		log:       log,
		opts: []opcua.Option{
			opcua.SecurityPolicy(ua.SecurityPolicyURINone),
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.ApplicationURI("urn:plc-bridge"),
			opcua.AutoReconnect(false),
			opcua.DialTimeout(cfg.Timeout),
			opcua.RequestTimeout(cfg.Timeout),
		},
	}
}

func (c *Client) conn() (*opcua.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c == nil {
		return nil, upstream.ErrNotOpen
	}
	return c.c, nil
}

func (c *Client) Connect(ctx context.Context) error {
	cl, err := opcua.NewClient(c.endpoint, c.opts...)
	if err != nil {
		return fmt.Errorf("%w: create client: %v", upstream.ErrConnection, err)
	}
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", upstream.ErrConnection, c.endpoint, err)
	}

	c.mu.Lock()
	c.c = cl
	c.mu.Unlock()
	c.log.Info().Str("endpoint", c.endpoint).Msg("connected")
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	cl := c.c
	c.c = nil
	c.mu.Unlock()
	if cl == nil {
		return nil
	}
	return cl.Close(ctx)
}

// Browse returns the forward hierarchical children of h, following
// continuation points until the server has sent them all.
func (c *Client) Browse(ctx context.Context, h upstream.NodeHandle) ([]upstream.Reference, error) {
	cl, err := c.conn()
	if err != nil {
		return nil, err
	}
	nodeID, err := ua.ParseNodeID(string(h))
	if err != nil {
		return nil, fmt.Errorf("%w: bad node id %q: %v", upstream.ErrNotFound, h, err)
	}

	resp, err := cl.Browse(ctx, &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nodeID,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassAll),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", h, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("browse %s: empty response", h)
	}

	var refs []upstream.Reference
	result := resp.Results[0]
	for {
		if result.StatusCode != ua.StatusOK {
			return nil, fmt.Errorf("browse %s: %w", h, result.StatusCode)
		}
		refs = appendReferences(refs, result.References)
		if len(result.ContinuationPoint) == 0 {
			return refs, nil
		}

		next, err := cl.BrowseNext(ctx, &ua.BrowseNextRequest{
			ContinuationPoints: [][]byte{result.ContinuationPoint},
		})
		if err != nil {
			return nil, fmt.Errorf("browse next %s: %w", h, err)
		}
		if len(next.Results) == 0 {
			return refs, nil
		}
		result = next.Results[0]
	}
}

func appendReferences(refs []upstream.Reference, descs []*ua.ReferenceDescription) []upstream.Reference {
	for _, d := range descs {
		if d == nil || d.BrowseName == nil || d.NodeID == nil || d.NodeID.NodeID == nil {
			continue
		}
		refs = append(refs, upstream.Reference{
			Name:   d.BrowseName.Name,
			Handle: upstream.NodeHandle(d.NodeID.NodeID.String()),
		})
	}
	return refs
}

func (c *Client) Read(ctx context.Context, h upstream.NodeHandle) (float64, error) {
	cl, err := c.conn()
	if err != nil {
		return 0, err
	}
	nodeID, err := ua.ParseNodeID(string(h))
	if err != nil {
		return 0, fmt.Errorf("%w: bad node id %q: %v", upstream.ErrNotFound, h, err)
	}

	resp, err := cl.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: nodeID, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", h, err)
	}
	if len(resp.Results) == 0 || resp.Results[0] == nil {
		return 0, fmt.Errorf("read %s: empty response", h)
	}
	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return 0, fmt.Errorf("read %s: %w", h, dv.Status)
	}
	return dataValueFloat(dv)
}

func (c *Client) Write(ctx context.Context, h upstream.NodeHandle, v float64) error {
	cl, err := c.conn()
	if err != nil {
		return err
	}
	nodeID, err := ua.ParseNodeID(string(h))
	if err != nil {
		return fmt.Errorf("%w: bad node id %q: %v", upstream.ErrWrite, h, err)
	}
	variant, err := variantFor(c.valueType, v)
	if err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrWrite, err)
	}

	resp, err := cl.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", upstream.ErrWrite, h, err)
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("%w: %s: %v", upstream.ErrWrite, h, resp.Results[0])
	}
	return nil
}

func (c *Client) CreateSubscription(ctx context.Context, p upstream.SubscriptionParams, out chan<- upstream.Notification) (upstream.Subscription, error) {
	cl, err := c.conn()
	if err != nil {
		return nil, err
	}

	in := make(chan *opcua.PublishNotificationData, notifyBuffer)
	sub, err := cl.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   p.PublishingInterval,
		LifetimeCount:              p.LifetimeCount,
		MaxKeepAliveCount:          p.KeepAliveCount,
		MaxNotificationsPerPublish: p.MaxNotificationsPerPublish,
		Priority:                   p.Priority,
	}, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrSubscription, err)
	}

	s := &subscription{sub: sub, stop: make(chan struct{}), log: c.log}
	go s.forward(in, out)
	c.log.Debug().Uint32("id", sub.SubscriptionID).Msg("subscription created")
	return s, nil
}

type subscription struct {
	sub  *opcua.Subscription
	stop chan struct{}
	once sync.Once
	log  zerolog.Logger
}

func (s *subscription) Monitor(ctx context.Context, h upstream.NodeHandle, clientHandle uint32, p upstream.MonitorParams) error {
	nodeID, err := ua.ParseNodeID(string(h))
	if err != nil {
		return fmt.Errorf("%w: bad node id %q: %v", upstream.ErrSubscription, h, err)
	}

	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, clientHandle)
	req.RequestedParameters.SamplingInterval = float64(p.SamplingInterval / time.Millisecond)
	req.RequestedParameters.QueueSize = p.QueueSize
	req.RequestedParameters.DiscardOldest = p.DiscardOldest

	resp, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return fmt.Errorf("%w: monitor %s: %v", upstream.ErrSubscription, h, err)
	}
	if len(resp.Results) > 0 && resp.Results[0].StatusCode != ua.StatusOK {
		return fmt.Errorf("%w: monitor %s: %v", upstream.ErrSubscription, h, resp.Results[0].StatusCode)
	}
	return nil
}

func (s *subscription) Cancel(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })
	return s.sub.Cancel(ctx)
}

func (s *subscription) forward(in <-chan *opcua.PublishNotificationData, out chan<- upstream.Notification) {
	for {
		select {
		case <-s.stop:
			return
		case data, ok := <-in:
			if !ok {
				return
			}
			n, ok := translate(data, s.log)
			if !ok {
				continue
			}
			select {
			case out <- n:
			case <-s.stop:
				return
			}
			if n.Terminated {
				return
			}
		}
	}
}

// translate converts one publish result. It reports false for results that
// carry nothing the bridge uses, such as event notifications.
func translate(data *opcua.PublishNotificationData, log zerolog.Logger) (upstream.Notification, bool) {
	if data == nil {
		return upstream.Notification{}, false
	}
	if data.Error != nil {
		return upstream.Notification{Terminated: true, Err: fmt.Errorf("%w: %v", upstream.ErrTerminated, data.Error)}, true
	}

	switch v := data.Value.(type) {
	case *ua.DataChangeNotification:
		var n upstream.Notification
		for _, item := range v.MonitoredItems {
			if item == nil || item.Value == nil {
				continue
			}
			f, err := dataValueFloat(item.Value)
			if err != nil {
				log.Warn().Err(err).Uint32("handle", item.ClientHandle).Msg("skipping value")
				continue
			}
			n.Changes = append(n.Changes, upstream.DataChange{ClientHandle: item.ClientHandle, Value: f})
		}
		return n, len(n.Changes) > 0
	case *ua.StatusChangeNotification:
		return upstream.Notification{Terminated: true, Err: fmt.Errorf("%w: status %v", upstream.ErrTerminated, v.Status)}, true
	default:
		return upstream.Notification{}, false
	}
}

var errNotNumeric = errors.New("value is not numeric")

func dataValueFloat(dv *ua.DataValue) (float64, error) {
	if dv.Value == nil {
		return 0, errNotNumeric
	}
	return toFloat(dv.Value.Value())
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %T", errNotNumeric, v)
	}
}
