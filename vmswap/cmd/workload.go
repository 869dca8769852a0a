package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/vmswap/mem/vm"
	"github.com/sarchlab/vmswap/mem/vm/paging"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// A Workload is a sequence of memory operations issued by processes.
type Workload struct {
	// Processes are created empty before the first operation.
	Processes []vm.PID `yaml:"processes"`
	Ops       []Op     `yaml:"ops"`
}

// An Op is one step of a workload. Which fields are used depends on Kind.
type Op struct {
	Kind string `yaml:"op"`
	PID  vm.PID `yaml:"pid"`

	// Size is the target of grow and shrink.
	Size uint64 `yaml:"size"`

	// Addr, Len, Data and Expect are for read and write. A read with an
	// Expect fails the workload if the bytes differ.
	Addr   uint64 `yaml:"addr"`
	Len    int    `yaml:"len"`
	Data   string `yaml:"data"`
	Expect string `yaml:"expect"`

	// Child is the pid created by fork.
	Child vm.PID `yaml:"child"`

	// Image is loaded by exec.
	Image *ImageSpec `yaml:"image"`
}

// ImageSpec describes an in-memory program image.
type ImageSpec struct {
	Entry    uint64           `yaml:"entry"`
	Segments []paging.Segment `yaml:"segments"`
	Data     string           `yaml:"data"`
}

var (
	// ErrBadWorkload is returned when a workload cannot be replayed.
	ErrBadWorkload = errors.New("bad workload")

	// ErrUnexpectedContent is returned when a read does not return the
	// expected bytes.
	ErrUnexpectedContent = errors.New("unexpected content")
)

// LoadWorkload parses a YAML workload.
func LoadWorkload(r io.Reader) (*Workload, error) {
	w := &Workload{}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	err := dec.Decode(w)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrBadWorkload, err)
	}

	return w, nil
}

// LoadWorkloadFile parses the YAML workload in a file.
func LoadWorkloadFile(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return LoadWorkload(f)
}

// ProcessReport is the final state of one process.
type ProcessReport struct {
	PID    vm.PID
	Policy string
	Size   uint64
	Killed bool
	Exited bool
	Stats  paging.Stats
}

// A Runner replays workloads.
type Runner struct {
	builder    paging.Builder
	maintainer *paging.Maintainer
	logger     logrus.FieldLogger

	spaces  map[vm.PID]*paging.AddressSpace
	reports map[vm.PID]*ProcessReport
	order   []vm.PID

	// OnOp is called after every operation.
	OnOp func(i int, op Op)
}

// NewRunner creates a runner whose processes are built by builder and aged
// by maintainer.
func NewRunner(
	builder paging.Builder,
	maintainer *paging.Maintainer,
	logger logrus.FieldLogger,
) *Runner {
	return &Runner{
		builder:    builder,
		maintainer: maintainer,
		logger:     logger,
		spaces:     make(map[vm.PID]*paging.AddressSpace),
		reports:    make(map[vm.PID]*ProcessReport),
	}
}

// Run replays the workload. A killed process is reported, not an error; the
// operations it issues afterwards are skipped.
func (r *Runner) Run(ctx context.Context, w *Workload) error {
	for _, pid := range w.Processes {
		if err := r.spawn(pid); err != nil {
			return err
		}
	}

	for i, op := range w.Ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.apply(ctx, op)
		if err != nil {
			return fmt.Errorf("op %d (%s pid %d): %w", i, op.Kind, op.PID, err)
		}

		if r.OnOp != nil {
			r.OnOp(i, op)
		}
	}

	return nil
}

// Close destroys the processes that did not exit.
func (r *Runner) Close() error {
	var errs []error

	for _, pid := range r.order {
		if as, ok := r.spaces[pid]; ok {
			r.snapshot(pid, as)
			errs = append(errs, as.Destroy())
			r.maintainer.Unregister(as)
			delete(r.spaces, pid)
		}
	}

	return errors.Join(errs...)
}

// Reports returns the state of every process, in creation order.
func (r *Runner) Reports() []ProcessReport {
	out := make([]ProcessReport, 0, len(r.order))

	for _, pid := range r.order {
		if as, ok := r.spaces[pid]; ok {
			r.snapshot(pid, as)
		}

		out = append(out, *r.reports[pid])
	}

	return out
}

func (r *Runner) spawn(pid vm.PID) error {
	if _, ok := r.reports[pid]; ok {
		return fmt.Errorf("%w: pid %d already exists", ErrBadWorkload, pid)
	}

	as, err := r.builder.Build(pid)
	if err != nil {
		return err
	}

	r.add(pid, as)

	return nil
}

func (r *Runner) add(pid vm.PID, as *paging.AddressSpace) {
	r.spaces[pid] = as
	r.reports[pid] = &ProcessReport{PID: pid}
	r.order = append(r.order, pid)
	r.maintainer.Register(as)
}

func (r *Runner) snapshot(pid vm.PID, as *paging.AddressSpace) {
	rep := r.reports[pid]
	rep.Policy = as.Policy().Name()
	rep.Size = as.Size()
	rep.Killed = as.Killed()
	rep.Stats = as.Stats()
}

func (r *Runner) apply(ctx context.Context, op Op) error {
	if op.Kind == "tick" {
		return r.maintainer.Tick(ctx)
	}

	as, ok := r.spaces[op.PID]
	if !ok {
		return fmt.Errorf("%w: no live process %d", ErrBadWorkload, op.PID)
	}

	if as.Killed() && op.Kind != "exit" {
		r.logger.WithField("pid", op.PID).
			Debugf("skipping %s of a killed process", op.Kind)
		return nil
	}

	err := r.applyTo(as, op)
	if errors.Is(err, paging.ErrKilled) {
		return nil
	}

	return err
}

func (r *Runner) applyTo(as *paging.AddressSpace, op Op) error {
	switch op.Kind {
	case "grow":
		_, err := as.Grow(op.Size)
		return r.softFail(op, err)
	case "shrink":
		_, err := as.Shrink(op.Size)
		return err
	case "read":
		return r.read(as, op)
	case "write":
		return as.Write(op.Addr, []byte(op.Data))
	case "fork":
		return r.fork(as, op)
	case "exec":
		return r.exec(as, op)
	case "exit":
		return r.exit(as, op.PID)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadWorkload, op.Kind)
	}
}

// softFail turns the failures a process sees as a result code into a log
// entry.
func (r *Runner) softFail(op Op, err error) error {
	if errors.Is(err, paging.ErrBudgetExceeded) ||
		errors.Is(err, paging.ErrOutOfFrames) ||
		errors.Is(err, paging.ErrAddressOutOfRange) ||
		errors.Is(err, paging.ErrBadImage) {
		r.logger.WithError(err).
			WithField("pid", op.PID).
			Infof("%s failed", op.Kind)

		return nil
	}

	return err
}

func (r *Runner) read(as *paging.AddressSpace, op Op) error {
	n := op.Len
	if n == 0 {
		n = len(op.Expect)
	}

	data, err := as.Read(op.Addr, n)
	if err != nil {
		return err
	}

	if op.Expect != "" && string(data) != op.Expect {
		return fmt.Errorf("%w at %#x: got %q, want %q",
			ErrUnexpectedContent, op.Addr, data, op.Expect)
	}

	return nil
}

func (r *Runner) fork(as *paging.AddressSpace, op Op) error {
	if _, ok := r.reports[op.Child]; ok {
		return fmt.Errorf("%w: pid %d already exists", ErrBadWorkload, op.Child)
	}

	child, err := as.Duplicate(op.Child)
	if err != nil {
		return r.softFail(op, err)
	}

	r.add(op.Child, child)

	return nil
}

func (r *Runner) exec(as *paging.AddressSpace, op Op) error {
	if op.Image == nil {
		return fmt.Errorf("%w: exec without image", ErrBadWorkload)
	}

	layout, err := as.ReplaceImage(paging.SliceImage{
		Segs:      op.Image.Segments,
		EntryAddr: op.Image.Entry,
		Data:      []byte(op.Image.Data),
	})
	if err != nil {
		return r.softFail(op, err)
	}

	r.logger.WithFields(logrus.Fields{
		"pid":   op.PID,
		"entry": fmt.Sprintf("%#x", layout.Entry),
		"sp":    fmt.Sprintf("%#x", layout.StackPointer),
	}).Debug("image loaded")

	return nil
}

func (r *Runner) exit(as *paging.AddressSpace, pid vm.PID) error {
	r.snapshot(pid, as)
	r.reports[pid].Exited = true

	r.maintainer.Unregister(as)
	delete(r.spaces, pid)

	return as.Destroy()
}
