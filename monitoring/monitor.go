// Package monitoring turns a running model into a web server that exposes
// the state of its controllers.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/monitoring/web"
	"github.com/sarchlab/ahcisim/sim"
	"github.com/sarchlab/ahcisim/tracing"
)

// Monitor serves the state of the registered controllers over HTTP and
// allows resuming halted commands.
type Monitor struct {
	engine      sim.Engine
	controllers []*ahci.Controller
	latency     *tracing.LatencyTracer
	portNumber  int
	listener    net.Listener

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber <= 1000 {
		klog.Warningf("monitor port %d is reserved, using a random port",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterEngine registers the engine that drives the model.
func (m *Monitor) RegisterEngine(e sim.Engine) {
	m.engine = e
}

// RegisterLatencyTracer sets the tracer whose statistics are served.
func (m *Monitor) RegisterLatencyTracer(t *tracing.LatencyTracer) {
	m.latency = t
}

// RegisterController registers a controller to be monitored.
func (m *Monitor) RegisterController(c *ahci.Controller) {
	m.controllers = append(m.controllers, c)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		id:    sim.GetIDGenerator().Generate(),
		name:  name,
		start: time.Now(),
		total: total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler serving the monitoring API and web page.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	fs := web.GetAssets()
	fServer := http.FileServer(fs)
	r.HandleFunc("/api/pause", m.pauseEngine)
	r.HandleFunc("/api/continue", m.continueEngine)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/list_controllers", m.listControllers)
	r.HandleFunc("/api/controller/{name}", m.listControllerDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/resume/{name}/{port:[0-9]+}", m.resume).
		Methods(http.MethodPost)
	r.HandleFunc("/api/resume/{name}/{port:[0-9]+}", postOnly)
	r.HandleFunc("/api/hangdetector/ports", m.hangDetectorPorts)
	r.HandleFunc("/api/latency", m.listLatency)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.listener = listener

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	klog.InfoS("monitoring server started", "url", url)

	router := m.Router()

	go func() {
		err := http.Serve(listener, router)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			dieOnErr(err)
		}
	}()

	return url
}

// StopServer closes the listener of a started server.
func (m *Monitor) StopServer() {
	if m.listener == nil {
		return
	}

	err := m.listener.Close()
	dieOnErr(err)

	m.listener = nil
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.engine.Pause()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.engine.Continue()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := m.engine.CurrentTime()
	fmt.Fprintf(w, "{\"now\":%.10f}", now)
}

func (m *Monitor) listControllers(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.controllers))
	for _, c := range m.controllers {
		names = append(names, c.Name())
	}

	writeJSON(w, names)
}

func (m *Monitor) listControllerDetails(
	w http.ResponseWriter,
	r *http.Request,
) {
	name := mux.Vars(r)["name"]

	c := m.findControllerOr404(w, name)
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c.Snapshot())
	serializer.SetMaxDepth(3)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	c := m.findControllerOr404(w, req.CompName)
	if c == nil {
		return
	}

	state := c.Snapshot()

	if _, err := m.walkFields(state, req.FieldName); err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(state)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) resume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	c := m.findControllerOr404(w, vars["name"])
	if c == nil {
		return
	}

	port, err := strconv.Atoi(vars["port"])
	if err != nil || port >= c.NumPorts() {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Port %s not found", vars["port"])

		return
	}

	c.ResumeHalted(port)
	w.WriteHeader(http.StatusOK)
}

type portLoad struct {
	Controller  string `json:"controller"`
	Port        int    `json:"port"`
	Outstanding int    `json:"outstanding"`
	Halted      int    `json:"halted"`
}

func (m *Monitor) hangDetectorPorts(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := m.portsParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	loads := m.sortAndSelectPorts(m.collectPortLoads(), sortMethod, limit, offset)

	writeJSON(w, loads)
}

func (*Monitor) portsParseParams(
	r *http.Request,
) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "outstanding"
	}

	if sortMethod != "outstanding" && sortMethod != "halted" {
		errStr := fmt.Sprintf(
			"Invalid sort method: %s. "+
				"Allowed values are `outstanding` and `halted`",
			sortMethod)

		return "", 0, 0, errors.New(errStr)
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "0"
	}

	limitNumber, err := strconv.Atoi(limitStr)
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		offsetStr = "0"
	}

	offsetNumber, err := strconv.Atoi(offsetStr)
	if err != nil {
		return sortMethod, limitNumber, 0, err
	}

	if limitNumber < 0 || offsetNumber < 0 {
		return sortMethod, 0, 0, errors.New("limit and offset must not be negative")
	}

	return sortMethod, limitNumber, offsetNumber, nil
}

func (m *Monitor) collectPortLoads() []portLoad {
	var loads []portLoad

	for _, c := range m.controllers {
		for _, p := range c.Snapshot().Ports {
			loads = append(loads, portLoad{
				Controller:  c.Name(),
				Port:        p.Index,
				Outstanding: p.Outstanding(),
				Halted:      len(p.Halted),
			})
		}
	}

	return loads
}

// sortAndSelectPorts orders the ports by load and returns the page selected
// by offset and limit. A zero limit selects every remaining port.
func (m *Monitor) sortAndSelectPorts(
	loads []portLoad,
	sortMethod string,
	limit, offset int,
) []portLoad {
	sorted := make([]portLoad, len(loads))
	copy(sorted, loads)

	switch sortMethod {
	case "outstanding":
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Outstanding != sorted[j].Outstanding {
				return sorted[i].Outstanding > sorted[j].Outstanding
			}

			return sorted[i].Halted > sorted[j].Halted
		})
	case "halted":
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Halted != sorted[j].Halted {
				return sorted[i].Halted > sorted[j].Halted
			}

			return sorted[i].Outstanding > sorted[j].Outstanding
		})
	default:
		panic("Invalid sort method " + sortMethod)
	}

	if offset > len(sorted) {
		offset = len(sorted)
	}

	end := len(sorted)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return sorted[offset:end]
}

type fieldFormatError struct {
	field string
}

func (e fieldFormatError) Error() string {
	return fmt.Sprintf("bad field %q", e.field)
}

func (m *Monitor) walkFields(
	comp interface{},
	fields string,
) (reflect.Value, error) {
	elem := reflect.ValueOf(comp)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			elem = elem.Elem()
		case reflect.Struct:
			elem = elem.FieldByName(fieldNames[0])
			if !elem.IsValid() {
				return elem, fieldFormatError{field: fieldNames[0]}
			}

			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil || index < 0 || index >= elem.Len() {
				return elem, fieldFormatError{field: fieldNames[0]}
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fieldFormatError{field: fieldNames[0]}
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) findControllerOr404(
	w http.ResponseWriter,
	name string,
) *ahci.Controller {
	for _, c := range m.controllers {
		if c.Name() == name {
			return c
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Controller not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listLatency(w http.ResponseWriter, _ *http.Request) {
	stats := []tracing.LatencyStat{}
	if m.latency != nil {
		stats = m.latency.Stats()
	}

	writeJSON(w, stats)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	states := make([]progressState, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		states = append(states, b.state())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, states)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
	Goroutines int     `json:"goroutines"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	mem, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: mem.RSS,
		Goroutines: runtime.NumGoroutine(),
	})
}

const maxProfileSeconds = 30

// collectProfile samples the CPU for ?seconds=N (default 1) and returns the
// parsed profile.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	seconds := 1
	if v := r.URL.Query().Get("seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxProfileSeconds {
			http.Error(w, "seconds must be between 1 and 30",
				http.StatusBadRequest)
			return
		}

		seconds = n
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Duration(seconds) * time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

// postOnly answers requests that reach a POST route with another method.
func postOnly(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(b)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
