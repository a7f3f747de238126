package integration

import (
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gexec"

	"github.com/frm2/nicoscache"
	"github.com/frm2/nicoscache/cmd/nicos-cache/config"
	"github.com/frm2/nicoscache/internal/util"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/testutil"
)

var _ = Describe("Integration", func() {
	const SessionWaitTime = 3 * time.Second
	var (
		confFile   string
		inConf     config.Config     // App config to run.
		serverConf nicoscache.Config // Parsed config. Read only.

		session *Session
	)
	BeforeEach(func() {
		ResetTestKeys()
		confFile = testutil.TmpFileName()
		inConf = *config.Default() // Sometimes we want to know defaults.
		inConf.LogLevel = "debug"
		inConf.Server = FreeAddr("tcp")
		inConf.UDP = FreeAddr("udp")
		serverConf = nicoscache.Config{} // Will be filled in JBE.
	})
	AfterEach(func() {
		os.Remove(confFile)
	})

	WaitStarted := func() {
		Eventually(func() error {
			c, err := Dial("tcp", serverConf.Addr)
			if err == nil {
				c.Close()
			}
			return err
		}, SessionWaitTime).Should(Succeed())
	}
	StartCache := func() {
		var err error
		command := exec.Command(CacheCLI, "-config", confFile, "-env", confFile+".env")
		session, err = Start(command, GinkgoWriter, GinkgoWriter)
		Expect(err).ToNot(HaveOccurred(), "%v", err)
	}
	JustBeforeEach(func() {
		if !util.IsZero(serverConf.Addr) {
			Fail("Test should configure inConf, not serverConfig.")
		}
		var err error
		serverConf, err = config.Parse(inConf)
		Expect(err).NotTo(HaveOccurred())
		err = ioutil.WriteFile(confFile, config.Marshal(&inConf), 0600)
		Expect(err).NotTo(HaveOccurred())
		StartCache()
	})
	AfterEach(func() {
		session.Terminate().Wait(SessionWaitTime)
	})

	Context("simple requests", func() {
		var c *Client
		JustBeforeEach(func() {
			WaitStarted()
			var err error
			c, err = Dial("tcp", serverConf.Addr)
			Expect(err).NotTo(HaveOccurred())
		})
		AfterEach(func() { c.Close() })

		It("ask what told", func() {
			key, value := TestKey(), RandValue()
			Expect(c.Tell(key, value)).To(Succeed())
			Expect(c.Ask(key)).To(Equal(key + "=" + value + "\n"))
		})

		It("overwrite", func() {
			key := TestKey()
			Expect(c.Tell(key, "1")).To(Succeed())
			Expect(c.Tell(key, "2")).To(Succeed())
			Expect(c.Ask(key)).To(Equal(key + "=2\n"))
		})

		It("delete", func() {
			key := TestKey()
			Expect(c.Tell(key, "1")).To(Succeed())
			Expect(c.Tell(key, "")).To(Succeed())
			Expect(c.Ask(key)).To(Equal(key + "!\n"))
		})

		It("sysinfo", func() {
			Expect(c.Ask(nicoscache.SysInfoKey)).To(HavePrefix(nicoscache.SysInfoKey + "={"))
		})

		It("subscription", func() {
			other, err := Dial("tcp", serverConf.Addr)
			Expect(err).NotTo(HaveOccurred())
			defer other.Close()
			key := TestKey()
			_, err = other.Write([]byte(testutil.Lines("test:")))
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Ask("sync")).To(Equal("sync!\n"))
			Expect(c.Tell(key, "5")).To(Succeed())
			Expect(other.ReadLine()).To(Equal(key + "=5\n"))
		})

		It("udp", func() {
			u, err := Dial("udp", inConf.UDP)
			Expect(err).NotTo(HaveOccurred())
			defer u.Close()
			key := TestKey()
			Expect(c.Tell(key, "1")).To(Succeed())
			Expect(c.Ask(key)).To(Equal(key + "=1\n"))
			_, err = u.Write([]byte(testutil.Lines(key + "?")))
			Expect(err).NotTo(HaveOccurred())
			buf := make([]byte, protocol.UDPReadSize)
			u.SetReadDeadline(time.Now().Add(ReadTimeout))
			n, err := u.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf[:n])).To(Equal(key + "=1\n"))
		})
	})

	Context("load", func() {
		BeforeEach(func() {
			inConf.LogLevel = "warning" // Too large debug output.
		})
		It("", func() {
			WaitStarted()
			LoadTest(serverConf.Addr)
		})
	})

	It("handle terminate", func() {
		WaitStarted()
		session.Terminate().Wait(SessionWaitTime)
		Expect(session).To(Exit(0))
	})

	It("handle interrupt", func() {
		WaitStarted()
		session.Interrupt().Wait(SessionWaitTime)
		Expect(session).To(Exit(0))
	})

	Context("env file", func() {
		BeforeEach(func() {
			Expect(ioutil.WriteFile(confFile+".env", []byte("NICOS_CACHE_LOG_LEVEL=bad\n"), 0600)).To(Succeed())
		})
		AfterEach(func() { os.Remove(confFile + ".env") })
		It("overrides config file", func() {
			session.Wait(SessionWaitTime)
			Expect(session).ShouldNot(Exit(0))
			Expect(string(session.Err.Contents())).To(ContainSubstring("Log level parse error"))
		})
	})

	Context("persistence on", func() {
		var inJournal *config.JournalConfig //shortcut
		BeforeEach(func() {
			inJournal = &inConf.Journal
			inJournal.Name = testutil.TmpFileName()
		})
		AfterEach(func() {
			os.Remove(inJournal.Name)
		})

		var c *Client
		Connect := func() {
			WaitStarted()
			var err error
			c, err = Dial("tcp", serverConf.Addr)
			Expect(err).NotTo(HaveOccurred())
		}
		JustBeforeEach(Connect)
		AfterEach(func() { c.Close() })

		Restart := func() {
			c.Close()
			session.Interrupt().Wait(SessionWaitTime)
			Expect(session).To(Exit(0))
			StartCache()
			Connect()
		}

		It("simple cache recover", func() {
			key, value := TestKey(), RandValue()
			Expect(c.Tell(key, value)).To(Succeed())
			Expect(c.Ask(key)).To(Equal(key + "=" + value + "\n"))
			Restart()
			Expect(c.Ask(key)).To(Equal(key + "=" + value + "\n"))
		})

		It("no store values are not recovered", func() {
			key := TestKey()
			Expect(c.Tell(key+protocol.FlagNoStore, "1")).To(Succeed())
			Expect(c.Ask(key)).To(Equal(key + "=1\n"))
			Restart()
			Expect(c.Ask(key)).To(Equal(key + "!\n"))
		})

		Context("small rotate size", func() {
			BeforeEach(func() {
				inJournal.RotateSize = "4k"
				inConf.LogLevel = "info"
			})
			It("journal is compacted and recovered", func() {
				key := TestKey()
				var value string
				for i := 0; i < 1000; i++ {
					value = RandValue()
					Expect(c.Tell(key, value)).To(Succeed())
				}
				Expect(c.Ask(key)).To(Equal(key + "=" + value + "\n"))
				Eventually(func() int64 {
					stat, err := os.Stat(inJournal.Name)
					Expect(err).NotTo(HaveOccurred())
					return stat.Size()
				}, SessionWaitTime).Should(BeNumerically("<", 4<<10))
				Restart()
				Expect(c.Ask(key)).To(Equal(key + "=" + value + "\n"))
			})
		})

		CorruptLastLine := func() {
			stat, err := os.Stat(serverConf.Journal.AOF.Name)
			Expect(err).ToNot(HaveOccurred())
			err = os.Truncate(serverConf.Journal.AOF.Name, stat.Size()-1)
			Expect(err).ToNot(HaveOccurred())
		}
		TellSome := func() {
			for i := 0; i < 3; i++ {
				Expect(c.Tell(TestKey(), RandValue())).To(Succeed())
			}
			Expect(c.Ask("sync")).To(Equal("sync!\n"))
			c.Close()
			session.Interrupt().Wait(SessionWaitTime)
			Expect(session).To(Exit(0))
			CorruptLastLine()
		}

		It("cache do not recover from corrupted without option", func() {
			TellSome()
			StartCache()
			session.Wait(SessionWaitTime)
			Expect(session).ShouldNot(Exit(0))
			Expect(session.Err.Contents()).ToNot(ContainSubstring("panic"))
			Expect(session.Err.Contents()).To(ContainSubstring("level=fatal"))
		})

		Context("fix corrupted", func() {
			BeforeEach(func() { inJournal.FixCorrupted = true })
			It("recovers valid prefix", func() {
				TellSome()
				StartCache()
				Connect()
				Expect(c.Ask("test/key_0")).To(HavePrefix("test/key_0="))
				Expect(c.Ask("test/key_2")).To(Equal("test/key_2!\n"))
				data, err := ioutil.ReadFile(inJournal.Name)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(ContainSubstring("test/key_1="))
				Expect(string(data)).NotTo(ContainSubstring("test/key_2"))
				Expect(strings.HasSuffix(string(data), "\n")).To(BeTrue())
			})
		})
	})
})
