//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/daemon"
	"github.com/eliteGoblin/htpcwatch/internal/display"
	"github.com/eliteGoblin/htpcwatch/internal/domain"
	"github.com/eliteGoblin/htpcwatch/internal/infra"
	"github.com/eliteGoblin/htpcwatch/internal/pvr"
	"github.com/eliteGoblin/htpcwatch/internal/usecase"
	"github.com/eliteGoblin/htpcwatch/test/fixtures"
)

var _ = Describe("Watchdog", func() {
	var (
		tmpDir   string
		acpid    *fixtures.FakeAcpid
		gui      *fixtures.FakeGUI
		power    *infra.AcpiEventSource
		status   *infra.FileStatusStore
		marker   string
		logger   *zap.Logger
		cancel   context.CancelFunc
		finished chan struct{}
		runErr   error
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "htpcwatch-integration-*")
		Expect(err).NotTo(HaveOccurred())

		acpid, err = fixtures.StartFakeAcpid(filepath.Join(tmpDir, "acpid.socket"))
		Expect(err).NotTo(HaveOccurred())

		gui = fixtures.NewFakeGUI(tmpDir)
		Expect(gui.Create()).To(Succeed())

		logger, _ = zap.NewDevelopment()
		marker = filepath.Join(tmpDir, "poweroff")
		status = infra.NewFileStatusStore(filepath.Join(tmpDir, "status.json"))
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
			Eventually(finished, 10*time.Second).Should(BeClosed())
			cancel = nil
		}
		if power != nil {
			power.Close()
		}
		acpid.Close()
		for _, pid := range gui.PIDs() {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		os.RemoveAll(tmpDir)
	})

	start := func() {
		runner := infra.NewShellRunner()

		cfg := daemon.DefaultWatchdogConfig()
		cfg.PollInterval = 50 * time.Millisecond
		cfg.GuiLoad = gui.Command()

		power = infra.NewAcpiEventSource(acpid.Path, logger)
		probe := usecase.NewDisplayProbe(display.NewXrandrBackend(runner, logger), runner, logger)
		wake := pvr.NewFileWakeDetector(filepath.Join(tmpDir, "wakeup"), pvr.DefaultWakeTolerance, domain.SystemClock{}, logger)

		w := daemon.NewWatchdog(
			cfg,
			power,
			probe,
			usecase.DisabledOracle{},
			wake,
			infra.NewProcessSupervisor(runner, logger),
			infra.NewCommandShutdowner(runner, "touch "+marker, logger),
			status,
			logger,
		)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		finished = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			runErr = w.Run(ctx)
			close(finished)
		}()

		Eventually(acpid.Clients, 5*time.Second).Should(Equal(1))
		Eventually(gui.Launches, 5*time.Second).Should(Equal(1))
	}

	allDead := func(pids []int) func() bool {
		return func() bool {
			for _, pid := range pids {
				if infra.PidAlive(pid) {
					return false
				}
			}
			return true
		}
	}

	Describe("startup", func() {
		It("should launch the GUI and publish its state", func() {
			start()

			Eventually(func() domain.Phase {
				s, err := status.Read()
				if err != nil || s == nil {
					return ""
				}
				return s.Phase
			}, 5*time.Second).Should(Equal(domain.PhaseGuiActive))

			s, err := status.Read()
			Expect(err).NotTo(HaveOccurred())
			Expect(s.PID).To(Equal(os.Getpid()))
			Expect(s.GuiNeeded).To(BeTrue())
			Expect(s.GuiPID).To(BeNumerically(">", 0))
		})
	})

	Describe("power button", func() {
		Context("when pressed while the GUI runs and nothing is recording", func() {
			It("should kill the whole GUI tree and power off", func() {
				start()
				pids := gui.PIDs()
				Expect(pids).To(HaveLen(3))

				Expect(acpid.PressPowerButton()).To(Succeed())

				Eventually(finished, 10*time.Second).Should(BeClosed())
				Expect(runErr).NotTo(HaveOccurred())

				Eventually(allDead(pids), 5*time.Second, 50*time.Millisecond).Should(BeTrue())
				_, statErr := os.Stat(marker)
				Expect(statErr).NotTo(HaveOccurred())

				s, err := status.Read()
				Expect(err).NotTo(HaveOccurred())
				Expect(s.Phase).To(Equal(domain.PhaseTerminating))
			})
		})
	})

	Describe("GUI crash", func() {
		It("should restart the GUI while it is needed", func() {
			start()
			pids := gui.PIDs()

			// The script's own PID is recorded last
			Expect(syscall.Kill(pids[2], syscall.SIGKILL)).To(Succeed())

			Eventually(gui.Launches, 10*time.Second).Should(Equal(2))
			_, statErr := os.Stat(marker)
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})
	})

	Describe("termination signal", func() {
		It("should stop the GUI without powering off", func() {
			start()
			pids := gui.PIDs()

			cancel()
			Eventually(finished, 10*time.Second).Should(BeClosed())
			Expect(runErr).To(MatchError(context.Canceled))

			Eventually(allDead(pids), 5*time.Second, 50*time.Millisecond).Should(BeTrue())
			_, statErr := os.Stat(marker)
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})
	})
})
