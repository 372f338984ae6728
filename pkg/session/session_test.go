package session_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"virtmig.io/virtmig/pkg/env"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/session"
	"virtmig.io/virtmig/pkg/vm/fake"
)

var _ = Describe("Session", func() {

	var (
		tmpDir   string
		registry *env.Env
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "virtmig-session")
		Expect(err).ToNot(HaveOccurred())
		registry = env.New()
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("should create its run directory under the configured root", func() {
		s, err := session.New(registry, params.Params{"run_dir": tmpDir})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.RunDir).To(HavePrefix(tmpDir))
		info, err := os.Stat(s.RunDir)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	It("should refuse a double start and tolerate a double stop", func() {
		s, err := session.New(registry, params.Params{"run_dir": tmpDir, "store_vm_info": "no"})
		Expect(err).ToNot(HaveOccurred())

		Expect(s.Start()).To(Succeed())
		Expect(s.Start()).ToNot(Succeed())
		s.Stop()
		s.Stop()
	})

	It("should collect VM info while running", func() {
		machine := fake.New("vm1")
		registry.RegisterVM("vm1", machine)

		s, err := session.New(registry, params.Params{
			"run_dir":          tmpDir,
			"vm_info_interval": "1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Start()).To(Succeed())
		defer s.Stop()

		logFile := filepath.Join(s.RunDir, "vm-info.log")
		Eventually(func() string {
			data, _ := os.ReadFile(logFile)
			return string(data)
		}, "5s", "200ms").Should(ContainSubstring("vm1"))
	})

	It("should take screendumps when enabled", func() {
		machine := fake.New("vm1")
		registry.RegisterVM("vm1", machine)

		s, err := session.New(registry, params.Params{
			"run_dir":                  tmpDir,
			"store_vm_info":            "no",
			"take_regular_screendumps": "yes",
			"screendump_delay":         "1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Start()).To(Succeed())
		defer s.Stop()

		Eventually(machine.Mon.CommandCount, "5s", "200ms").Should(BeNumerically(">=", 1))
	})
})
