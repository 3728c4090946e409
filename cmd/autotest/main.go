// cmd/autotest - minimal harness for running a flat binary image against
// the core in autotest mode (spec 6): load an image at a fixed physical
// address, point CS:IP at it, run until the guest writes to the VKILL
// port, and exit with that byte as the process exit status.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"flag"
	"log"
	"os"

	"github.com/zaynotley/x386core"
)

func main() {
	image := flag.String("image", "", "path to a flat binary image to load")
	loadAddr := flag.Uint("load-addr", 0x7C00, "physical address to load the image at")
	entry := flag.Uint("entry", 0x7C00, "physical address to set CS base / EIP to at reset")
	ramSize := flag.Uint("ram", 1*1024*1024, "physical RAM size in bytes")
	maxSteps := flag.Int64("max-steps", 50_000_000, "instruction budget before giving up (-1 for unbounded)")
	flag.Parse()

	if *image == "" {
		log.Fatal("autotest: -image is required")
	}

	data, err := os.ReadFile(*image)
	if err != nil {
		log.Fatalf("autotest: reading image: %v", err)
	}

	m := x386core.NewMachine(uint32(*ramSize))
	vkill := x386core.NewVKILLHandler()
	m.RegisterIOHandler(x386core.VKILLPort, 1, vkill)
	m.EnableAutotestMode(func(code byte) { vkill.Out(x386core.VKILLPort, uint32(code), x386core.Width8) })

	m.LoadImage(x386core.PhysicalAddress(*loadAddr), data)

	m.CPU.Reset()
	m.CPU.EIP = uint32(*entry) & 0xF
	seg := uint16(*entry >> 4)
	m.CPU.Seg[x386core.SegCS] = seg
	cache := m.CPU.Cache(x386core.SegCS)
	cache.Selector = x386core.Selector(seg)
	cache.Base = x386core.LinearAddress(uint32(seg) << 4)
	cache.Limit = 0xFFFF
	cache.Usable = true

	result := make(chan byte, 1)
	go func() {
		result <- vkill.Wait()
	}()

	runDone := make(chan struct{})
	go func() {
		m.Run(*maxSteps)
		close(runDone)
	}()

	select {
	case status := <-result:
		log.Printf("autotest: guest signaled exit status 0x%02X", status)
		os.Exit(int(status))
	case <-runDone:
		log.Printf("autotest: step budget exhausted without a VKILL write")
		os.Exit(1)
	}
}
