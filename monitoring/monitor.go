// Package monitoring turns a running workload into a web server that shows
// the state of its address spaces.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
	"github.com/sarchlab/vmswap/mem/vm/paging"
	"github.com/sarchlab/vmswap/monitoring/web"
	"github.com/sarchlab/vmswap/sim"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Monitor serves the address spaces of a paging.Maintainer over HTTP.
type Monitor struct {
	maintainer *paging.Maintainer
	portNumber int

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterMaintainer sets where the monitored address spaces come from.
// Ticks requested through the server run on the same maintainer.
func (m *Monitor) RegisterMaintainer(maintainer *paging.Maintainer) {
	m.maintainer = maintainer
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		id:        sim.GetIDGenerator().Generate(),
		name:      name,
		startTime: time.Now(),
		total:     total,
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

// Router returns the handler of every route of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/spaces", m.listSpaces).Methods(http.MethodGet)
	r.HandleFunc("/api/space/{pid}", m.spaceDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/space/{pid}/pages", m.spacePages).
		Methods(http.MethodGet)
	r.HandleFunc("/api/field/{json}", m.fieldValue).Methods(http.MethodGet)
	r.HandleFunc("/api/tick", m.tick).Methods(http.MethodPost)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").
		MatcherFunc(notAPI).
		Handler(http.FileServer(web.GetAssets()))

	return r
}

// notAPI keeps the static files from answering API paths, so that a wrong
// method on an API route gets a 405 and an unknown API route a 404.
func notAPI(r *http.Request, _ *mux.RouteMatch) bool {
	return !strings.HasPrefix(r.URL.Path, "/api/")
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(os.Stderr,
		"Monitoring address spaces with http://localhost:%d\n", port)

	router := m.Router()

	go func() {
		err := http.Serve(listener, router)
		dieOnErr(err)
	}()

	return port
}

type spaceSummary struct {
	PID      uint32       `json:"pid"`
	ID       string       `json:"id"`
	Policy   string       `json:"policy"`
	Size     uint64       `json:"size"`
	Resident int          `json:"resident"`
	Swapped  int          `json:"swapped"`
	Killed   bool         `json:"killed"`
	Stats    paging.Stats `json:"stats"`
}

func summarize(as *paging.AddressSpace) spaceSummary {
	l := as.Ledger()

	swapped := 0
	for _, r := range l.Swap {
		if r.Occupied {
			swapped++
		}
	}

	return spaceSummary{
		PID:      uint32(as.PID()),
		ID:       as.ID(),
		Policy:   as.Policy().Name(),
		Size:     as.Size(),
		Resident: len(l.Resident),
		Swapped:  swapped,
		Killed:   as.Killed(),
		Stats:    as.Stats(),
	}
}

func (m *Monitor) spaces() []*paging.AddressSpace {
	if m.maintainer == nil {
		return nil
	}

	return m.maintainer.Spaces()
}

func (m *Monitor) listSpaces(w http.ResponseWriter, _ *http.Request) {
	summaries := make([]spaceSummary, 0)
	for _, as := range m.spaces() {
		summaries = append(summaries, summarize(as))
	}

	writeJSON(w, summaries)
}

// spaceDetail is what the detail and field routes serialize.
type spaceDetail struct {
	Summary spaceSummary
	Ledger  ledger.Snapshot
}

func (m *Monitor) findSpaceOr404(
	w http.ResponseWriter,
	pidStr string,
) *paging.AddressSpace {
	pid, err := strconv.ParseUint(pidStr, 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Invalid pid %q", pidStr)

		return nil
	}

	for _, as := range m.spaces() {
		if uint64(as.PID()) == pid {
			return as
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err = w.Write([]byte("Address space not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) spaceDetails(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, mux.Vars(r)["pid"])
	if as == nil {
		return
	}

	detail := &spaceDetail{Summary: summarize(as), Ledger: as.Ledger()}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(detail)
	serializer.SetMaxDepth(4)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type pageRsp struct {
	VAddr string `json:"vaddr"`
	Entry string `json:"entry"`
}

func (m *Monitor) spacePages(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, mux.Vars(r)["pid"])
	if as == nil {
		return
	}

	pages := make([]pageRsp, 0)
	for _, mapping := range as.Mappings() {
		pages = append(pages, pageRsp{
			VAddr: fmt.Sprintf("%#x", mapping.VAddr),
			Entry: mapping.PTE.String(),
		})
	}

	writeJSON(w, pages)
}

type fieldReq struct {
	PID       uint32 `json:"pid"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	as := m.findSpaceOr404(w, strconv.FormatUint(uint64(req.PID), 10))
	if as == nil {
		return
	}

	detail := &spaceDetail{Summary: summarize(as), Ledger: as.Ledger()}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(detail)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type tickRsp struct {
	Ticks uint64 `json:"ticks"`
}

func (m *Monitor) tick(w http.ResponseWriter, r *http.Request) {
	if m.maintainer == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if err := m.maintainer.Tick(r.Context()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	writeJSON(w, tickRsp{Ticks: m.maintainer.Ticks()})
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
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
