package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/datarecording"
	"github.com/sarchlab/vmswap/mem/vm/paging"
)

func execute(args ...string) (string, error) {
	out := &bytes.Buffer{}

	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

var _ = ginkgo.Describe("Run", func() {
	var (
		w      *Workload
		config RunConfig
	)

	ginkgo.BeforeEach(func() {
		var err error

		w, err = LoadWorkloadFile("../examples/fork_exec.yaml")
		Expect(err).NotTo(HaveOccurred())

		config = RunConfig{Policy: "scfifo", Frames: 256, LogLevel: "error"}
	})

	ginkgo.It("should print one line per process", func() {
		out := &bytes.Buffer{}

		Expect(Run(context.Background(), config, w, out)).To(Succeed())

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		Expect(lines).To(HaveLen(3))
		Expect(lines[0]).To(HavePrefix("PID"))
		Expect(lines[1]).To(MatchRegexp(`^3\s+scfifo\s+0x2000\s+running`))
		Expect(lines[2]).To(MatchRegexp(`^4\s+scfifo\s+0x5000\s+exited`))
	})

	ginkgo.It("should write swap files to the swap directory", func() {
		config.SwapDir = ginkgo.GinkgoT().TempDir()

		Expect(Run(context.Background(), config, w, &bytes.Buffer{})).
			To(Succeed())

		entries, err := os.ReadDir(config.SwapDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	ginkgo.It("should record the paging events", func() {
		path := filepath.Join(ginkgo.GinkgoT().TempDir(), "events")
		config.Record = path

		Expect(Run(context.Background(), config, w, &bytes.Buffer{})).
			To(Succeed())

		reader, err := datarecording.OpenReader(path + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		reader.MapTable(paging.EventTable, paging.EventEntry{})
		rows, total, err := reader.Query(context.Background(),
			paging.EventTable,
			datarecording.Filter{Where: "Kind = ?", Args: []any{"SwapOut"}})

		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeNumerically(">=", 4))
		Expect(rows[0].(*paging.EventEntry).PID).To(Equal(uint32(3)))
	})

	ginkgo.It("should refuse an unknown policy", func() {
		config.Policy = "lru"

		err := Run(context.Background(), config, w, &bytes.Buffer{})

		Expect(err).To(MatchError(ContainSubstring("unknown eviction policy")))
	})

	ginkgo.It("should refuse a pool without frames", func() {
		config.Frames = 0

		Expect(Run(context.Background(), config, w, &bytes.Buffer{})).
			NotTo(Succeed())
	})

	ginkgo.It("should refuse an unknown log level", func() {
		config.LogLevel = "loud"

		Expect(Run(context.Background(), config, w, &bytes.Buffer{})).
			NotTo(Succeed())
	})
})

var _ = ginkgo.Describe("Commands", func() {
	ginkgo.It("should list the policies", func() {
		out, err := execute("policies")

		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Fields(out)).To(Equal(
			[]string{"aq", "lapa", "nfua", "none", "scfifo"}))
	})

	ginkgo.It("should run a workload file", func() {
		out, err := execute("run", "../examples/fork_exec.yaml",
			"--policy", "lapa", "--frames", "128", "--log-level", "error")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("lapa"))
	})

	ginkgo.It("should take defaults from the environment", func() {
		ginkgo.GinkgoT().Setenv(EnvPolicy, "nfua")
		ginkgo.GinkgoT().Setenv(EnvLogLevel, "error")

		out, err := execute("run", "../examples/fork_exec.yaml")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("nfua"))
	})

	ginkgo.It("should let flags win over the environment", func() {
		ginkgo.GinkgoT().Setenv(EnvPolicy, "nfua")

		out, err := execute("run", "../examples/fork_exec.yaml",
			"--policy", "aq", "--log-level", "error")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("aq"))
		Expect(out).NotTo(ContainSubstring("nfua"))
	})

	ginkgo.It("should reject a bad frame count in the environment", func() {
		ginkgo.GinkgoT().Setenv(EnvFrames, "many")

		_, err := execute("run", "../examples/fork_exec.yaml")

		Expect(err).To(MatchError(ContainSubstring(EnvFrames)))
	})

	ginkgo.It("should report the recorded events per process", func() {
		path := filepath.Join(ginkgo.GinkgoT().TempDir(), "events")
		_, err := execute("run", "../examples/fork_exec.yaml",
			"--record", path, "--log-level", "error")
		Expect(err).NotTo(HaveOccurred())

		out, err := execute("report", path+".sqlite3")

		Expect(err).NotTo(HaveOccurred())
		lines := strings.Split(strings.TrimSpace(out), "\n")
		Expect(lines).To(HaveLen(3))
		Expect(strings.Fields(lines[0])).To(Equal([]string{"PID",
			"PageFault", "ProtectionFault", "CopyOnWrite",
			"SwapOut", "SwapIn", "ImageReplaced", "Kill"}))
		Expect(strings.Fields(lines[1])[0]).To(Equal("3"))
		Expect(strings.Fields(lines[2])[0]).To(Equal("4"))
	})

	ginkgo.It("should report only the requested processes", func() {
		path := filepath.Join(ginkgo.GinkgoT().TempDir(), "events")
		_, err := execute("run", "../examples/fork_exec.yaml",
			"--record", path, "--log-level", "error")
		Expect(err).NotTo(HaveOccurred())

		out, err := execute("report", path+".sqlite3", "--pid", "4")

		Expect(err).NotTo(HaveOccurred())
		lines := strings.Split(strings.TrimSpace(out), "\n")
		Expect(lines).To(HaveLen(2))
		Expect(strings.Fields(lines[1])[0]).To(Equal("4"))
	})

	ginkgo.It("should fail on a missing recording", func() {
		_, err := execute("report", "missing.sqlite3")

		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("should fail on a missing workload", func() {
		_, err := execute("run", "missing.yaml")

		Expect(err).To(HaveOccurred())
	})
})
