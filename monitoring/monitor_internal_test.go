package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/mem"
	"github.com/sarchlab/ahcisim/sim"
	"github.com/sarchlab/ahcisim/tracing"
)

type sampleStruct struct {
	field1 int
	field2 string
	field3 *sampleStruct
	field4 []sampleStruct
}

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
	)

	BeforeEach(func() {
		m = &Monitor{}
	})

	It("should walk int fields", func() {
		s := &sampleStruct{
			field1: 1,
		}

		elem, err := m.walkFields(s, "field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk string fields", func() {
		s := &sampleStruct{
			field2: "abc",
		}

		elem, err := m.walkFields(s, "field2")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.String))
		Expect(elem.String()).To(Equal("abc"))
	})

	It("should walk struct", func() {
		s := &sampleStruct{
			field3: &sampleStruct{},
		}

		elem, err := m.walkFields(s, "field3")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Struct))
		Expect(elem.Type().Name()).To(Equal("sampleStruct"))
	})

	It("should walk slice recursively", func() {
		s := &sampleStruct{
			field4: []sampleStruct{{
				field4: []sampleStruct{
					{field1: 1},
				},
			}, {}},
		}

		elem, err := m.walkFields(s, "field4.0.field4.0.field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should reject unknown fields and bad indices", func() {
		s := &sampleStruct{field4: []sampleStruct{{}}}

		_, err := m.walkFields(s, "field9")
		Expect(err).To(MatchError(fieldFormatError{field: "field9"}))

		_, err = m.walkFields(s, "field4.1")
		Expect(err).To(HaveOccurred())

		_, err = m.walkFields(s, "field4.x")
		Expect(err).To(HaveOccurred())

		_, err = m.walkFields(s, "field1.x")
		Expect(err).To(HaveOccurred())
	})

	It("should page ports by load", func() {
		loads := []portLoad{
			{Port: 0, Outstanding: 1},
			{Port: 1, Outstanding: 4, Halted: 1},
			{Port: 2, Outstanding: 2, Halted: 2},
		}

		sorted := m.sortAndSelectPorts(loads, "outstanding", 0, 0)
		Expect(sorted).To(HaveLen(3))
		Expect(sorted[0].Port).To(Equal(1))
		Expect(sorted[2].Port).To(Equal(0))

		sorted = m.sortAndSelectPorts(loads, "halted", 1, 0)
		Expect(sorted).To(HaveLen(1))
		Expect(sorted[0].Port).To(Equal(2))

		Expect(m.sortAndSelectPorts(loads, "outstanding", 2, 2)).To(HaveLen(1))
		Expect(m.sortAndSelectPorts(loads, "outstanding", 0, 5)).To(BeEmpty())
	})

	It("should track progress bars", func() {
		a := m.CreateProgressBar("a", 10)
		b := m.CreateProgressBar("b", 5)
		a.Begin(3)
		a.Complete(2)
		a.Abort(1)

		st := a.state()
		Expect(st.Finished).To(Equal(uint64(2)))
		Expect(st.Failed).To(Equal(uint64(1)))
		Expect(st.InProgress).To(BeZero())
		Expect(st.Total).To(Equal(uint64(10)))
		Expect(st.ID).NotTo(Equal(b.state().ID))

		m.CompleteProgressBar(a)

		Expect(m.progressBars).To(Equal([]*ProgressBar{b}))
	})
})

var _ = Describe("Monitor API", func() {
	var (
		m      *Monitor
		ctrl   *ahci.Controller
		engine *sim.SerialEngine
	)

	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		m.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))

		return rec
	}

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		memory := mem.NewPhysicalMemory()
		memory.AddRAM(0, 1<<16)
		ctrl = ahci.MakeBuilder().
			WithNumPorts(2).
			WithMemory(memory).
			WithIRQLine(&ahci.INTx{}).
			Build("hba")

		m = NewMonitor().WithPortNumber(0)
		m.RegisterEngine(engine)
		m.RegisterController(ctrl)
	})

	It("should report the current time", func() {
		rec := serve(http.MethodGet, "/api/now")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal(`{"now":0.0000000000}`))
	})

	It("should list controllers", func() {
		rec := serve(http.MethodGet, "/api/list_controllers")

		Expect(rec.Body.String()).To(Equal(`["hba"]`))
	})

	It("should serialize a controller", func() {
		rec := serve(http.MethodGet, "/api/controller/hba")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("hba"))
	})

	It("should answer 404 for unknown controllers", func() {
		rec := serve(http.MethodGet, "/api/controller/nope")

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("should serve a single field", func() {
		req, _ := json.Marshal(fieldReq{CompName: "hba", FieldName: "Policy"})
		rec := serve(http.MethodGet, "/api/field/"+url.PathEscape(string(req)))

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("should answer 404 for unknown fields", func() {
		req, _ := json.Marshal(fieldReq{CompName: "hba", FieldName: "Ports.7"})
		rec := serve(http.MethodGet, "/api/field/"+url.PathEscape(string(req)))

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("should resume a port", func() {
		Expect(serve(http.MethodPost, "/api/resume/hba/1").Code).
			To(Equal(http.StatusOK))
		Expect(serve(http.MethodPost, "/api/resume/hba/2").Code).
			To(Equal(http.StatusNotFound))
		rec := serve(http.MethodGet, "/api/resume/hba/1")
		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		Expect(rec.Header().Get("Allow")).To(Equal(http.MethodPost))
	})

	It("should list port loads", func() {
		rec := serve(http.MethodGet, "/api/hangdetector/ports?limit=1")

		var loads []portLoad
		Expect(json.Unmarshal(rec.Body.Bytes(), &loads)).To(Succeed())
		Expect(loads).To(HaveLen(1))
		Expect(loads[0].Controller).To(Equal("hba"))
	})

	It("should reject bad paging parameters", func() {
		Expect(serve(http.MethodGet, "/api/hangdetector/ports?sort=size").Code).
			To(Equal(http.StatusBadRequest))
		Expect(serve(http.MethodGet, "/api/hangdetector/ports?limit=x").Code).
			To(Equal(http.StatusBadRequest))
		Expect(serve(http.MethodGet, "/api/hangdetector/ports?offset=-1").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should serve latency statistics", func() {
		Expect(serve(http.MethodGet, "/api/latency").Body.String()).
			To(Equal("[]"))

		m.RegisterLatencyTracer(tracing.NewLatencyTracer(engine, nil))

		Expect(serve(http.MethodGet, "/api/latency").Body.String()).
			To(Equal("[]"))
	})

	It("should serve the web page", func() {
		rec := serve(http.MethodGet, "/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})
})
