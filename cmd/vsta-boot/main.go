// Command vsta-boot brings up the kernel core: it reserves physical memory,
// loads the configured boot tasks into fresh address spaces, starts the
// pageout daemon, and schedules the resulting threads. Configuration is a
// flat list of boot tasks (text image, data image, entry point) the way
// original_source's loader hands proc.c's bootproc() its task table, just
// expressed as cobra/pflag flags instead of a linker-built array.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vsta/boot"
	"vsta/mem"
	"vsta/pageout"
	"vsta/proc"
	"vsta/trap"
)

var log = logrus.WithField("subsys", "vsta-boot")

type taskFlags struct {
	text       string
	textVaddr  uint64
	textPages  int
	data       string
	dataVaddr  uint64
	dataPages  int
	stackVaddr uint64
	entry      uint64
}

type opts struct {
	respages int
	task     taskFlags
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "vsta-boot",
		Short: "Bring up the kernel core with a single boot task",
		Long: `vsta-boot reserves the physical memory arena, loads one boot task's
text and data images into a fresh address space, and starts the pageout
daemon and scheduler, the way a bootstrap loader hands the original
kernel's bootproc() its task table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	root.Flags().IntVar(&o.respages, "mem-pages", 1<<16, "physical pages to reserve for the kernel arena")

	root.Flags().StringVar(&o.task.text, "text", "", "path to the boot task's text image (required)")
	root.Flags().Uint64Var(&o.task.textVaddr, "text-vaddr", 0x400000, "virtual address the text image loads at")
	root.Flags().IntVar(&o.task.textPages, "text-pages", 16, "pages to reserve for the text image")

	root.Flags().StringVar(&o.task.data, "data", "", "path to the boot task's data image (optional)")
	root.Flags().Uint64Var(&o.task.dataVaddr, "data-vaddr", 0x600000, "virtual address the data image loads at")
	root.Flags().IntVar(&o.task.dataPages, "data-pages", 16, "pages to reserve for the data image")

	root.Flags().Uint64Var(&o.task.stackVaddr, "stack-vaddr", 0x7f0000000000, "virtual address the initial stack is attached at")
	root.Flags().Uint64Var(&o.task.entry, "entry", 0x400000, "entry point the boot task's first thread starts at")

	root.MarkFlagRequired("text")

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("vsta-boot failed")
		os.Exit(1)
	}
}

func run(o opts) error {
	phys := mem.Phys_init(o.respages)
	log.WithField("pages", o.respages).Info("reserved physical arena")

	po := pageout.New(phys)
	po.Start()
	defer po.Stop()

	t := boot.Task{
		TextPath:   o.task.text,
		TextVaddr:  uintptr(o.task.textVaddr),
		TextPages:  o.task.textPages,
		DataPath:   o.task.data,
		DataVaddr:  uintptr(o.task.dataVaddr),
		DataPages:  o.task.dataPages,
		StackVaddr: uintptr(o.task.stackVaddr),
		Entry:      uintptr(o.task.entry),
	}
	if t.DataPath == "" {
		t.DataPages = 0
	}

	loaded, err := boot.Load(t)
	if err != 0 {
		return fmt.Errorf("load boot task: %s", err)
	}
	log.WithField("task", t.Describe()).Info("boot task loaded")

	p := proc.New(0, false)
	if p == nil {
		return fmt.Errorf("allocate boot proc: sysprocs limit reached")
	}
	p.Vas = loaded.Vas

	thr := p.NewThread()
	thr.Regs = trap.Regs{PC: loaded.Entry, SP: t.StackVaddr + uintptr(boot.StackPages*mem.PGSIZE)}
	log.WithFields(logrus.Fields{"pid": p.Pid, "tid": thr.Tid, "entry": t.Entry}).Info("boot thread scheduled")

	fmt.Printf("vsta-boot: pid=%d tid=%d entry=%#x\n", p.Pid, thr.Tid, t.Entry)
	return nil
}
