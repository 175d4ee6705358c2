package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/BertoldVdb/norflash/image"
	"github.com/BertoldVdb/norflash/selftest"
	"github.com/BertoldVdb/norflash/spiflash"
	"github.com/cheggaaa/pb"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	busSpec  string
	speed    uint32
	csPin    string
	reserved uint32
	logLevel string
	logJSON  bool
	simModel string
	simImage string

	outputPath string
	eraseFirst bool
	eraseAll   bool
	eraseCount uint32
	noVerify   bool
	lineLength int
	maxLength  int
	seed       int64

	logger hclog.Logger
	flash  *spiflash.Flash
	bus    *openBus

	rootCmd *cobra.Command
)

func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}

func newProgress(total int) *pb.ProgressBar {
	bar := pb.New(total)
	bar.SetUnits(pb.U_BYTES)
	bar.Output = os.Stderr
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		bar.NotPrint = true
	}
	return bar.Start()
}

func setup(cmd *cobra.Command, args []string) error {
	level := logLevel
	if level == "" {
		level = os.Getenv("NORFLASH_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	logger = hclog.New(&hclog.LoggerOptions{
		Name:       "norflash",
		Level:      hclog.LevelFromString(level),
		JSONFormat: logJSON,
		Output:     os.Stderr,
	})

	var err error
	bus, err = openBusSpec(busSpec)
	if err != nil {
		return err
	}

	flash, err = spiflash.New(bus,
		spiflash.WithLogger(logger.Named("spiflash")),
		spiflash.WithReservedSectors(reserved))
	return err
}

func runDetect(cmd *cobra.Command, args []string) error {
	id := flash.Identity()
	p := flash.Profile()

	fmt.Printf("JEDEC ID:   %02x %02x %02x\n", id.Manufacturer, id.Type, id.Capacity)
	if id.LegacyID != 0 {
		fmt.Printf("Legacy ID:  %08x\n", id.LegacyID)
	}
	fmt.Printf("Family:     %s (recognized: %v)\n", p.Family, p.Recognized())
	fmt.Printf("Size:       %d bytes (%d sectors)\n", p.Size(), p.Sectors)
	fmt.Printf("Usable:     %d sectors after %d reserved\n", flash.UsableSectors(), flash.ReservedSectors())
	fmt.Printf("Parameters: %s\n", p)
	return nil
}

func writeOutput(data []byte) error {
	if outputPath == "" {
		fmt.Print(hex.Dump(data))
		return nil
	}
	return os.WriteFile(outputPath, data, 0644)
}

func runRead(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	length, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}

	data := make([]byte, length)
	bar := newProgress(length)
	for done := 0; done < length; {
		chunk := min(length-done, spiflash.SectorSize)
		n, err := flash.Read(address+uint32(done), data[done:done+chunk])
		if err != nil {
			return err
		}
		done += n
		bar.Add(n)
	}
	bar.Finish()

	return writeOutput(data)
}

func runReadLine(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	buf := make([]byte, lineLength)
	n, err := flash.ReadLine(address, buf)
	if err != nil {
		return err
	}

	fmt.Printf("%q\n", buf[:n])
	return nil
}

func eraseRange(ctx context.Context, address uint32, length int) error {
	first := address / spiflash.SectorSize
	last := (address + uint32(length) + spiflash.SectorSize - 1) / spiflash.SectorSize

	for s := first; s < last; s++ {
		if err := flash.EraseSector(ctx, s*spiflash.SectorSize); err != nil {
			return err
		}
	}
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if eraseFirst {
		if err := eraseRange(ctx, address, len(data)); err != nil {
			return err
		}
	}

	bar := newProgress(len(data))
	for done := 0; done < len(data); {
		chunk := min(len(data)-done, spiflash.PageSize)
		if err := flash.Write(ctx, address+uint32(done), data[done:done+chunk]); err != nil {
			return err
		}
		done += chunk
		bar.Add(chunk)
	}
	bar.Finish()

	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if eraseAll {
		return flash.EraseAll(ctx)
	}

	if len(args) != 1 {
		return fmt.Errorf("erase needs an address or --all")
	}
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	return eraseRange(ctx, address, int(eraseCount)*spiflash.SectorSize)
}

func runProtect(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "on":
		return flash.SetBlockProtect(true)
	case "off":
		return flash.SetBlockProtect(false)
	}
	return fmt.Errorf("protect takes on or off, not %q", args[0])
}

func runInstall(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	img := image.Build(payload)
	logger.Info("installing image", "address", hclog.Fmt("%06x", address), "length", len(img))
	return image.Install(cmd.Context(), flash, address, img, !noVerify)
}

func runLoad(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	payload, err := image.Load(flash, address, maxLength)
	if err != nil {
		return err
	}

	logger.Info("image valid", "length", len(payload))
	return writeOutput(payload)
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	report, err := selftest.Run(cmd.Context(), flash, seed, logger.Named("selftest"))
	if err != nil {
		return err
	}

	for _, m := range report.Stages {
		fmt.Printf("%-8s offset %3d length %3d mismatches %d\n", m.Name, m.Offset, m.Length, len(m.Mismatches))
	}
	fmt.Printf("crc: expected %08x, got %08x\n", report.ExpectedCRC, report.ActualCRC)

	return report.Err()
}

func init() {
	rootCmd = &cobra.Command{
		Use:               "norflash",
		Short:             "Read, write and test serial NOR flash chips",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&busSpec, "bus", "sim", "Bus to use: sim, spidev[:PATH], periph:PORT, buspirate:TTY")
	pf.Uint32Var(&speed, "speed", 1000000, "SPI clock in Hz")
	pf.StringVar(&csPin, "cs", "GPIO8", "Chip select GPIO for the periph bus")
	pf.Uint32Var(&reserved, "reserved", 0, "Number of sectors reserved at the start of the chip")
	pf.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	pf.StringVar(&simModel, "sim-model", "SST25VF016B", "Chip model for the sim bus")
	pf.StringVar(&simImage, "sim-image", "", "File holding the simulated chip contents")

	readCmd := &cobra.Command{
		Use:   "read ADDRESS LENGTH",
		Short: "Read data",
		Args:  cobra.ExactArgs(2),
		RunE:  runRead,
	}
	readCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (hex dump to stdout if empty)")

	readLineCmd := &cobra.Command{
		Use:   "readline ADDRESS",
		Short: "Read up to and including the next newline",
		Args:  cobra.ExactArgs(1),
		RunE:  runReadLine,
	}
	readLineCmd.Flags().IntVar(&lineLength, "max", 256, "Maximum line length")

	writeCmd := &cobra.Command{
		Use:   "write ADDRESS FILE",
		Short: "Program a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runWrite,
	}
	writeCmd.Flags().BoolVar(&eraseFirst, "erase", false, "Erase the covered sectors first")

	eraseCmd := &cobra.Command{
		Use:   "erase [ADDRESS]",
		Short: "Erase sectors or the whole chip",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runErase,
	}
	eraseCmd.Flags().BoolVar(&eraseAll, "all", false, "Erase the whole chip")
	eraseCmd.Flags().Uint32Var(&eraseCount, "count", 1, "Number of sectors")

	installCmd := &cobra.Command{
		Use:   "install ADDRESS FILE",
		Short: "Wrap a file in an image container and store it",
		Args:  cobra.ExactArgs(2),
		RunE:  runInstall,
	}
	installCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip the read-back check")

	loadCmd := &cobra.Command{
		Use:   "load ADDRESS",
		Short: "Verify a stored image and extract its payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
	loadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (hex dump to stdout if empty)")
	loadCmd.Flags().IntVar(&maxLength, "max", 1<<24, "Maximum payload length")

	selfTestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Erase and rewrite the first usable sector and check the result",
		Args:  cobra.NoArgs,
		RunE:  runSelfTest,
	}
	selfTestCmd.Flags().Int64Var(&seed, "seed", 1, "Pattern seed")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "detect",
			Short: "Identify the chip",
			Args:  cobra.NoArgs,
			RunE:  runDetect,
		},
		readCmd,
		readLineCmd,
		writeCmd,
		eraseCmd,
		&cobra.Command{
			Use:   "protect on|off",
			Short: "Set or clear the block protection bits",
			Args:  cobra.ExactArgs(1),
			RunE:  runProtect,
		},
		installCmd,
		loadCmd,
		selfTestCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if bus != nil {
		if cerr := bus.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
