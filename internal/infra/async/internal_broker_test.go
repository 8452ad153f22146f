package async_test

import (
	"context"

	"brite-server/internal/infra/async"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Local Broker", func() {
	var broker *async.LocalBroker
	var topic async.BrokerTopicName
	var subscription async.Subscription
	var ctx context.Context

	BeforeEach(func() {
		broker = async.NewLocalBroker()
		topic = "light_events"
		ctx = context.TODO()
	})

	Context("Subscribe", func() {
		When("a subscriber exists for a topic", func() {
			It("receives published messages", func() {
				subscription, _ = broker.Subscribe(topic)

				err := broker.Publish(ctx, topic, async.BrokerMessage{Event: "open"})

				Expect(err).NotTo(HaveOccurred())
				Eventually(subscription.Receiver).Should(Receive(Equal(async.BrokerMessage{Event: "open"})))
			})
		})

		When("multiple subscribers exist", func() {
			It("fans the message out to each of them", func() {
				subscription, _ = broker.Subscribe(topic)
				subscription2, _ := broker.Subscribe(topic)

				broker.Publish(ctx, topic, async.BrokerMessage{Event: "close"})

				Eventually(subscription.Receiver).Should(Receive())
				Eventually(subscription2.Receiver).Should(Receive())
			})
		})

		When("the topic has no subscribers", func() {
			It("reports the topic as unknown", func() {
				err := broker.Publish(ctx, "no_such_topic", async.BrokerMessage{})

				Expect(err).To(MatchError(async.ErrTopicNotFound))
			})
		})
	})

	Context("Unsubscribe", func() {
		When("the subscription exists", func() {
			It("closes the receiver", func() {
				subscription, _ = broker.Subscribe(topic)

				err := broker.Unsubscribe(topic, subscription)

				Expect(err).NotTo(HaveOccurred())
				Eventually(subscription.Receiver).Should(BeClosed())
			})
		})

		When("the subscription is not registered", func() {
			It("returns an error", func() {
				err := broker.Unsubscribe(topic, async.Subscription{ID: "missing"})

				Expect(err).To(MatchError(async.ErrTopicNotFound))
			})
		})

		When("a publisher is racing the unsubscribe", func() {
			It("never sends on the closed receiver", func() {
				subscription, _ = broker.Subscribe(topic)

				publishDone := make(chan struct{})
				go func() {
					defer GinkgoRecover()
					defer close(publishDone)
					for i := 0; i < 1000; i++ {
						broker.Publish(ctx, topic, async.BrokerMessage{Event: "open"})
					}
				}()
				go func() {
					defer GinkgoRecover()
					for range subscription.Receiver {
					}
				}()

				Expect(broker.Unsubscribe(topic, subscription)).To(Succeed())
				Eventually(publishDone).Should(BeClosed())
			})
		})
	})

	Context("Stop", func() {
		It("closes every receiver", func() {
			subscription, _ = broker.Subscribe(topic)
			other, _ := broker.Subscribe("timer_events")

			broker.Stop()

			Eventually(subscription.Receiver).Should(BeClosed())
			Eventually(other.Receiver).Should(BeClosed())
		})
	})
})
