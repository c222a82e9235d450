package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/metrics-hub/pkg/hubrpc"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

var _ = Describe("Backend gRPC API E2E", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		guid   string
		// Metric names are unique per test so series queries see only its own data.
		tag string
	)

	ingest := func(sub *telemetry.Submission) *hubrpc.IngestResponse {
		req, err := hubrpc.NewIngestRequest(sub)
		Expect(err).NotTo(HaveOccurred())
		resp, err := hubClient.Ingest(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	readings := func(name string, at time.Time, metrics ...telemetry.Metric) *telemetry.Submission {
		return &telemetry.Submission{
			GUID: guid,
			Name: name,
			Devices: []telemetry.Device{{
				Name:      "probe",
				Snapshots: []telemetry.Snapshot{{TimestampCapture: at, Metrics: metrics}},
			}},
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		guid = uuid.NewString()
		tag = guid[:8]
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Ingest", func() {
		It("should store a submission and report what was created", func() {
			resp := ingest(readings("grpc-fleet", time.Now(), telemetry.Metric{Name: "Load " + tag, Value: 0.5}))
			Expect(resp.AggregatorID).NotTo(BeZero())
			Expect(resp.AggregatorCreated).To(BeTrue())
			Expect(resp.DevicesCreated).To(Equal(int32(1)))
			Expect(resp.Metrics).To(Equal(int32(1)))
		})

		It("should return InvalidArgument with field violations", func() {
			_, err := hubClient.Ingest(ctx, &hubrpc.IngestRequest{
				Submission: json.RawMessage(`{"name":"no guid","devices":[]}`),
			})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))

			st, _ := status.FromError(err)
			var fields []string
			for _, d := range st.Details() {
				if br, ok := d.(*errdetails.BadRequest); ok {
					for _, v := range br.GetFieldViolations() {
						fields = append(fields, v.GetField())
					}
				}
			}
			Expect(fields).To(ContainElement("guid"))
		})
	})

	Describe("Queries", func() {
		It("should return a series in either order and filtered by aggregator", func() {
			metric := "Load " + tag
			base := time.Now().UTC().Truncate(time.Second)

			first := ingest(readings("ordered", base, telemetry.Metric{Name: metric, Value: 1}))
			ingest(readings("ordered", base.Add(time.Minute), telemetry.Metric{Name: metric, Value: 2}))

			asc, err := hubClient.SeriesFor(ctx, &hubrpc.SeriesRequest{MetricName: metric})
			Expect(err).NotTo(HaveOccurred())
			Expect(asc.Points).To(HaveLen(2))
			Expect(asc.Points[0].Value).To(Equal(1.0))
			Expect(asc.Points[1].Value).To(Equal(2.0))

			desc, err := hubClient.SeriesFor(ctx, &hubrpc.SeriesRequest{MetricName: metric, Order: "desc"})
			Expect(err).NotTo(HaveOccurred())
			Expect(desc.Points[0].Value).To(Equal(2.0))

			other, err := hubClient.SeriesFor(ctx, &hubrpc.SeriesRequest{MetricName: metric, AggregatorID: first.AggregatorID + 100000})
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Points).To(BeEmpty())
		})

		It("should reject an unknown order", func() {
			_, err := hubClient.SeriesFor(ctx, &hubrpc.SeriesRequest{MetricName: "x", Order: "sideways"})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})

		It("should return the latest value by capture time", func() {
			metric := "Temp " + tag
			base := time.Now().UTC().Truncate(time.Second)

			resp := ingest(readings("latest", base.Add(time.Hour), telemetry.Metric{Name: metric, Value: 30}))
			ingest(readings("latest", base, telemetry.Metric{Name: metric, Value: 10}))

			latest, err := hubClient.LatestFor(ctx, &hubrpc.LatestRequest{MetricName: metric, AggregatorID: resp.AggregatorID})
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.Found).To(BeTrue())
			Expect(latest.Point.Value).To(Equal(30.0))
			Expect(latest.Point.AggregatorName).To(Equal("latest"))
		})

		It("should report a missing latest value as not found", func() {
			latest, err := hubClient.LatestFor(ctx, &hubrpc.LatestRequest{MetricName: "Nothing " + tag})
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.Found).To(BeFalse())
			Expect(latest.Point).To(BeNil())
		})

		It("should match metric names by pattern", func() {
			at := time.Now().UTC().Truncate(time.Second)
			ingest(readings("pattern", at,
				telemetry.Metric{Name: "Quote " + tag + " (AAA)", Value: 100},
				telemetry.Metric{Name: "Quote " + tag + " (BBB)", Value: 200},
				telemetry.Metric{Name: "Other " + tag, Value: 1},
			))

			resp, err := hubClient.PatternSeriesFor(ctx, &hubrpc.PatternSeriesRequest{Pattern: "Quote " + tag + " (%)"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Points).To(HaveLen(2))
			Expect(resp.Points).To(ConsistOf(
				HaveField("MetricName", "Quote "+tag+" (AAA)"),
				HaveField("MetricName", "Quote "+tag+" (BBB)"),
			))
		})

		It("should list aggregators", func() {
			ingest(readings("listed-grpc", time.Now(), telemetry.Metric{Name: "Load " + tag, Value: 1}))

			resp, err := hubClient.ListAggregators(ctx, &hubrpc.ListAggregatorsRequest{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Aggregators).To(ContainElement(And(
				HaveField("GUID", guid),
				HaveField("Name", "listed-grpc"),
				HaveField("DeviceCount", int64(1)),
			)))
		})
	})
})
