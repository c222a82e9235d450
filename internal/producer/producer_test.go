package producer_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/metrics-hub/internal/producer"
	"procodus.dev/metrics-hub/pkg/generator"
	"procodus.dev/metrics-hub/pkg/mq/mock"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

var _ = Describe("Producer", func() {
	var mqClient *mock.MockClient

	BeforeEach(func() {
		mqClient = mock.NewMockClient()
	})

	Describe("NewProducer", func() {
		It("should create a producer with its own fleet", func() {
			prod := producer.NewProducer(mqClient, nil)
			Expect(prod).NotTo(BeNil())
			Expect(prod.MQClient).To(Equal(mqClient))
			Expect(prod.Fleet).NotTo(BeNil())
			Expect(prod.Fleet.Market()).To(BeNil())
		})

		It("should create a different fleet on every call", func() {
			prod1 := producer.NewProducer(mqClient, nil)
			prod2 := producer.NewProducer(mqClient, nil)
			Expect(prod1.Fleet.GUID).NotTo(Equal(prod2.Fleet.GUID))
		})

		It("should pass stock symbols to the fleet", func() {
			prod := producer.NewProducer(mqClient, []string{"GOOG"})
			Expect(prod.Fleet.Market()).NotTo(BeNil())
			Expect(prod.Fleet.Market().Symbols()).To(ConsistOf("GOOG"))
		})
	})

	Describe("PublishSubmission", func() {
		var prod *producer.Producer

		BeforeEach(func() {
			prod = producer.NewProducer(mqClient, []string{"MSFT"})
		})

		It("should push a decodable JSON submission", func() {
			Expect(prod.PublishSubmission(context.Background())).To(Succeed())

			published := mqClient.Published()
			Expect(published).To(HaveLen(1))

			sub, err := telemetry.DecodeBytes(published[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.GUID).To(Equal(prod.Fleet.GUID))
			Expect(sub.Name).To(Equal(prod.Fleet.Name))
			Expect(sub.Devices).To(HaveLen(len(prod.Fleet.Hosts()) + 1))
		})

		It("should keep the same aggregator across submissions", func() {
			Expect(prod.PublishSubmission(context.Background())).To(Succeed())
			Expect(prod.PublishSubmission(context.Background())).To(Succeed())

			published := mqClient.Published()
			Expect(published).To(HaveLen(2))

			first, err := telemetry.DecodeBytes(published[0])
			Expect(err).NotTo(HaveOccurred())
			second, err := telemetry.DecodeBytes(published[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(first.GUID).To(Equal(second.GUID))
			Expect(first.Devices[0].Name).To(Equal(second.Devices[0].Name))
		})

		It("should stamp snapshots with the producer clock", func() {
			at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
			prod.SetClock(func() time.Time { return at })

			Expect(prod.PublishSubmission(context.Background())).To(Succeed())

			sub, err := telemetry.DecodeBytes(mqClient.Published()[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Devices[0].Snapshots[0].TimestampCapture).To(BeTemporally("==", at))
		})

		It("should pass the context to the client", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			Expect(prod.PublishSubmission(ctx)).To(Succeed())
			Expect(mqClient.PushCalls).To(HaveLen(1))
			Expect(mqClient.PushCalls[0].Ctx).To(Equal(ctx))
		})

		It("should return push errors", func() {
			mqClient.PushError = errors.New("broker unavailable")

			err := prod.PublishSubmission(context.Background())
			Expect(err).To(MatchError(ContainSubstring("failed to publish submission")))
			Expect(err).To(MatchError(ContainSubstring("broker unavailable")))
		})

		It("should honor canceled contexts", func() {
			mqClient.PushFunc = func(ctx context.Context, _ []byte) error {
				return ctx.Err()
			}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Expect(prod.PublishSubmission(ctx)).To(MatchError(context.Canceled))
		})
	})

	Describe("metrics", func() {
		It("should count published submissions and readings", func() {
			prod := producer.NewProducer(mqClient, nil)
			prod.SetMetrics(suiteMetrics)

			published := testutil.ToFloat64(suiteMetrics.SubmissionsPublished)
			cpu := testutil.ToFloat64(suiteMetrics.ReadingsGenerated.WithLabelValues(generator.MetricCPUPercent))

			Expect(prod.PublishSubmission(context.Background())).To(Succeed())

			Expect(testutil.ToFloat64(suiteMetrics.SubmissionsPublished)).To(Equal(published + 1))
			Expect(testutil.ToFloat64(suiteMetrics.ReadingsGenerated.WithLabelValues(generator.MetricCPUPercent))).
				To(Equal(cpu + float64(len(prod.Fleet.Hosts()))))
		})

		It("should count push failures", func() {
			mqClient.PushError = errors.New("nope")
			prod := producer.NewProducer(mqClient, nil)
			prod.SetMetrics(suiteMetrics)

			failures := testutil.ToFloat64(suiteMetrics.PublishFailures.WithLabelValues("push_error"))

			Expect(prod.PublishSubmission(context.Background())).NotTo(Succeed())
			Expect(testutil.ToFloat64(suiteMetrics.PublishFailures.WithLabelValues("push_error"))).To(Equal(failures + 1))
		})
	})
})
