package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jaypipes/pcidb"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/mem"
)

// The PCI function the controller presents itself as.
const (
	pciVendor   = "8086"
	pciDevice   = "2922"
	pciClass    = "01"
	pciSubclass = "06"
	pciProgIf   = "01"
)

// Names used when no PCI ID database is installed.
const (
	fallbackVendorName = "Intel Corporation"
	fallbackDeviceName = "82801IR/IO/IH (ICH9R/DO/DH) 6 port SATA Controller [AHCI mode]"
	fallbackClassName  = "SATA controller (AHCI 1.0)"
)

var infoPorts int

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe the emulated controller and its reset register values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		if infoPorts < 1 || infoPorts > 32 {
			return fmt.Errorf("ports must be between 1 and 32, got %d", infoPorts)
		}

		printInfo(cmd.OutOrStdout(), lookupPCINames(), infoPorts)

		return nil
	},
}

func init() {
	infoCmd.Flags().IntVar(&infoPorts, "ports", 6, "number of ports")
	rootCmd.AddCommand(infoCmd)
}

type pciNames struct {
	vendor string
	device string
	class  string
}

func lookupPCINames() pciNames {
	names := pciNames{
		vendor: fallbackVendorName,
		device: fallbackDeviceName,
		class:  fallbackClassName,
	}

	db, err := pcidb.New()
	if err != nil {
		klog.V(2).InfoS("PCI ID database unavailable", "err", err)
		return names
	}

	return namesFromDB(db, names)
}

func namesFromDB(db *pcidb.PCIDB, names pciNames) pciNames {
	if v, ok := db.Vendors[pciVendor]; ok {
		names.vendor = v.Name
	}

	if p, ok := db.Products[pciVendor+pciDevice]; ok {
		names.device = p.Name
	}

	if c, ok := db.Classes[pciClass]; ok {
		for _, sc := range c.Subclasses {
			if sc.ID != pciSubclass {
				continue
			}

			names.class = sc.Name
			for _, pi := range sc.ProgrammingInterfaces {
				if pi.ID == pciProgIf {
					names.class = fmt.Sprintf("%s (%s)", sc.Name, pi.Name)
				}
			}
		}
	}

	return names
}

var infoRegs = []struct {
	name string
	addr uint64
}{
	{"CAP", ahci.RegCAP},
	{"GHC", ahci.RegGHC},
	{"IS", ahci.RegIS},
	{"PI", ahci.RegPI},
	{"VS", ahci.RegVS},
	{"CAP2", ahci.RegCAP2},
}

func printInfo(out io.Writer, names pciNames, ports int) {
	ctrl := ahci.MakeBuilder().
		WithNumPorts(ports).
		WithMemory(mem.NewPhysicalMemory()).
		Build("hba")

	read := func(addr uint64) uint32 {
		return uint32(ctrl.Read(addr, 4))
	}

	fmt.Fprintf(out, "%s:%s %s: %s %s\n",
		pciVendor, pciDevice, names.class, names.vendor, names.device)

	capReg := read(ahci.RegCAP)
	vs := read(ahci.RegVS)
	fmt.Fprintf(out, "AHCI %d.%d, %d ports, %d command slots, NCQ %v, 64-bit %v\n\n",
		vs>>16, (vs>>8)&0xff,
		int(capReg&0x1f)+1, int((capReg>>8)&0x1f)+1,
		capReg&(1<<30) != 0, capReg&(1<<31) != 0)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGISTER\tOFFSET\tVALUE")
	for _, r := range infoRegs {
		fmt.Fprintf(w, "%s\t0x%02x\t0x%08x\n", r.name, r.addr, read(r.addr))
	}
	w.Flush()
}
