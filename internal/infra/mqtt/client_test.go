package mqtt

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubToken struct{ err error }

func (t stubToken) Wait() bool                     { return true }
func (t stubToken) WaitTimeout(time.Duration) bool { return true }
func (t stubToken) Error() error                   { return t.err }

// recordingPahoClient stands in for the broker connection and records what
// gets subscribed and published.
type recordingPahoClient struct {
	mu           sync.Mutex
	subscribed   map[string]byte
	published    map[string][]byte
	subscribeErr error
}

func newRecordingPahoClient() *recordingPahoClient {
	return &recordingPahoClient{
		subscribed: make(map[string]byte),
		published:  make(map[string][]byte),
	}
}

func (c *recordingPahoClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return stubToken{err: c.subscribeErr}
	}
	c.subscribed[topic] = qos
	return stubToken{}
}

func (c *recordingPahoClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = payload.([]byte)
	return stubToken{}
}

func (c *recordingPahoClient) topics() map[string]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]byte, len(c.subscribed))
	for topic, qos := range c.subscribed {
		out[topic] = qos
	}
	return out
}

func (c *recordingPahoClient) payload(topic string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[topic]
}

func (c *recordingPahoClient) IsConnected() bool      { return true }
func (c *recordingPahoClient) IsConnectionOpen() bool { return true }
func (c *recordingPahoClient) Connect() paho.Token    { return stubToken{} }
func (c *recordingPahoClient) Disconnect(uint)        {}
func (c *recordingPahoClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return stubToken{}
}
func (c *recordingPahoClient) Unsubscribe(...string) paho.Token     { return stubToken{} }
func (c *recordingPahoClient) AddRoute(string, paho.MessageHandler) {}
func (c *recordingPahoClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

var _ paho.Client = (*recordingPahoClient)(nil)

var _ = Describe("SimpleClient", func() {
	var remote *recordingPahoClient
	var client *SimpleClient
	noop := func(Client, Message) {}

	BeforeEach(func() {
		remote = newRecordingPahoClient()
		client = &SimpleClient{
			client:        remote,
			subscriptions: make(map[string]subscription),
		}
	})

	Context("Subscribe", func() {
		It("subscribes at the broker and records the topic for recovery", func() {
			err := client.Subscribe("brite/lamp/scene/ingress", 1, noop)

			Expect(err).NotTo(HaveOccurred())
			Expect(remote.topics()).To(HaveKeyWithValue("brite/lamp/scene/ingress", byte(1)))
		})

		When("the broker rejects the subscription", func() {
			It("returns the error and records nothing to restore", func() {
				remote.subscribeErr = errors.New("not authorized")

				err := client.Subscribe("brite/lamp/scene/ingress", 0, noop)
				Expect(err).To(MatchError(ContainSubstring("not authorized")))

				reconnected := newRecordingPahoClient()
				client.resubscribeAll(reconnected)
				Expect(reconnected.topics()).To(BeEmpty())
			})
		})
	})

	Context("resubscribeAll", func() {
		It("restores every recorded subscription on the new connection", func() {
			Expect(client.Subscribe("brite/lamp/scene/ingress", 0, noop)).To(Succeed())
			Expect(client.Subscribe("brite/lamp/control", 1, noop)).To(Succeed())

			reconnected := newRecordingPahoClient()
			client.resubscribeAll(reconnected)

			Expect(reconnected.topics()).To(HaveKeyWithValue("brite/lamp/scene/ingress", byte(0)))
			Expect(reconnected.topics()).To(HaveKeyWithValue("brite/lamp/control", byte(1)))
		})
	})

	Context("Publish", func() {
		It("passes the payload through as raw bytes", func() {
			err := client.Publish("brite/lamp/state", []byte{0x01, 0xFF})

			Expect(err).NotTo(HaveOccurred())
			Expect(remote.payload("brite/lamp/state")).To(Equal([]byte{0x01, 0xFF}))
		})
	})

	Context("Disconnect", func() {
		It("drops recorded subscriptions so a later connect restores none", func() {
			Expect(client.Subscribe("brite/lamp/control", 0, noop)).To(Succeed())

			client.Disconnect()

			reconnected := newRecordingPahoClient()
			client.resubscribeAll(reconnected)
			Expect(reconnected.topics()).To(BeEmpty())
		})
	})
})
