package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher is the part of mqtt.Client used by Reporter
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// DialMQTT connects to broker, e.g. "tcp://localhost:1883"
func DialMQTT(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("events: timed out connecting to MQTT broker %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

type lossMsg struct {
	Session   string    `json:"session,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type faultMsg struct {
	Session   string    `json:"session,omitempty"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
	Warning   bool      `json:"warning"`
	Timestamp time.Time `json:"timestamp"`
}

type statsMsg struct {
	Session string `json:"session,omitempty"`
	Statistics
	Timestamp time.Time `json:"timestamp"`
}

// Reporter publishes losses, faults, and statistics as JSON to an MQTT
// broker under Prefix, on the topics Prefix/loss, Prefix/fault and
// Prefix/stats.  Frames are not published.
//
// Publishing does not wait for the broker; wrap the Reporter in a Queue to
// keep it off the frame path entirely.
type Reporter struct {
	Client MQTTPublisher
	Prefix string
	QoS    byte

	// Session, when set, returns the id stamped on every message.  It is
	// called on the publishing goroutine and must not block.
	Session func() string

	Logger *log.Logger
}

func (r *Reporter) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

func (r *Reporter) session() string {
	if r.Session == nil {
		return ""
	}
	return r.Session()
}

func (r *Reporter) publish(topic string, retained bool, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		r.logger().Printf("events: marshaling %s message: %v", topic, err)
		return
	}
	r.Client.Publish(r.Prefix+"/"+topic, r.QoS, retained, b)
}

// OnFrame implements Handler
func (r *Reporter) OnFrame(Frame) {}

// OnLoss implements Handler
func (r *Reporter) OnLoss(l Loss) {
	r.publish("loss", false, lossMsg{
		Session:   r.session(),
		Sequence:  l.Sequence,
		Timestamp: l.Timestamp,
		Reason:    l.Reason,
	})
}

// OnFault implements Handler
func (r *Reporter) OnFault(f Fault) {
	msg := faultMsg{
		Session:   r.session(),
		Source:    f.Source,
		Warning:   f.Warning,
		Timestamp: f.Timestamp,
	}
	if f.Err != nil {
		msg.Error = f.Err.Error()
	}
	r.publish("fault", false, msg)
}

// PublishStatistics sends one retained statistics message
func (r *Reporter) PublishStatistics(s Statistics) {
	r.publish("stats", true, statsMsg{Session: r.session(), Statistics: s, Timestamp: time.Now()})
}

// Run publishes stats() every interval until ctx is done, then publishes
// once more so the retained message holds the final counts
func (r *Reporter) Run(ctx context.Context, interval time.Duration, stats func() Statistics) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.PublishStatistics(stats())
			return
		case <-t.C:
			r.PublishStatistics(stats())
		}
	}
}
