package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/randomouscrap98/x0xflash/avrprog"
)

const (
	AppVersion = "0.2.0"
)

// Quick way to fail on error, since most commands are "doing" something on
// behalf of something else.
func fatalIfErr(subject string, doing string, err error) {
	if err != nil {
		log.Fatalf("%s - Couldn't %s: %s", subject, doing, err)
	}
}

// Shared by everything that talks to a board
type Connection struct {
	Device string `arg:"" default:"" help:"The serial port to use (use 'any' for first, default from config)"`
}

// Open the port and wrap it in a programmer. Caller closes the channel
func (c *Connection) connect() (*avrprog.SerialChannel, *avrprog.Programmer) {
	config := loadConfig()
	port := c.Device
	if port == "" {
		port = config.Port
	}
	profile, err := config.Profile()
	fatalIfErr(config.Device, "find device profile", err)
	sercon, err := avrprog.OpenSerial(port, config.BaudRate)
	fatalIfErr(port, "connect", err)
	log.Printf("Connected to %s (%s)\n", sercon.Port, profile.Name)
	programmer, err := avrprog.NewProgrammer(sercon, profile, config)
	fatalIfErr(sercon.Port, "set up programmer", err)
	return sercon, programmer
}

// **********************************
// *       DEVICES COMMANDS         *
// **********************************

type ScanCmd struct {
}

func (c *ScanCmd) Run() error {
	devices, err := avrprog.GetBasicDevices()
	fatalIfErr("scan", "pull devices", err)
	log.Printf("Scan found %d serial ports\n", len(devices))
	PrintJson(devices)
	return nil
}

type FindCmd struct {
	Connection
}

func (c *FindCmd) Run() error {
	sercon, programmer := c.connect()
	defer sercon.Close()
	info, err := programmer.FindBoard()
	fatalIfErr(sercon.Port, "find bootloader", err)
	result := make(map[string]interface{})
	result["Port"] = sercon.Port
	result["Signature"] = info.Signature
	result["DeviceIDs"] = info.DeviceIDs
	result["Supported"] = info.Supported()
	PrintJson(result)
	return nil
}

type FusesCmd struct {
	Connection
}

func (c *FusesCmd) Run() error {
	sercon, programmer := c.connect()
	defer sercon.Close()
	fuses, err := programmer.ReadFuses()
	fatalIfErr(sercon.Port, "read fuses", err)
	PrintJson(fuses)
	return nil
}

type ResetCmd struct {
	Connection
}

func (c *ResetCmd) Run() error {
	sercon, programmer := c.connect()
	defer sercon.Close()
	err := programmer.LeaveProgramming()
	fatalIfErr(sercon.Port, "leave programming mode", err)
	log.Printf("Device on %s left programming mode\n", sercon.Port)
	return nil
}

// **********************************
// *        FLASH COMMANDS          *
// **********************************

type EraseCmd struct {
	Connection
}

func (c *EraseCmd) Run() error {
	sercon, programmer := c.connect()
	defer sercon.Close()
	err := programmer.EraseFlash()
	fatalIfErr(sercon.Port, "erase flash", err)
	log.Printf("Erased flash on %s\n", sercon.Port)
	return nil
}

type WriteCmd struct {
	Connection
	Infile string `type:"existingfile" default:"firmware.hex" short:"i" help:"Intel HEX file to flash"`
	Nofind bool   `help:"Skip the bootloader probe (board discovery) before writing"`
}

func (c *WriteCmd) Run() error {
	sercon, programmer := c.connect()
	defer sercon.Close()
	file, err := os.Open(c.Infile)
	fatalIfErr(c.Infile, "open hex file", err)
	defer file.Close()
	image, err := avrprog.HexToImage(file, programmer.Profile().FlashSize)
	fatalIfErr(c.Infile, "parse hex file", err)
	log.Printf("Loaded %d bytes from %s\n", len(image), c.Infile)
	if !c.Nofind {
		info, err := programmer.FindBoard()
		fatalIfErr(sercon.Port, "find bootloader", err)
		log.Printf("Bootloader %s supports %v\n", info.Signature, info.Supported())
	}
	// Ctrl-C stops between pages rather than mid-frame
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	progress, err := programmer.ProgramDevice(ctx, image)
	fatalIfErr(sercon.Port, "program flash", err)
	result := make(map[string]interface{})
	result["Filename"] = c.Infile
	result["ImageLength"] = len(image)
	result["ImageMD5"] = avrprog.Md5String(image)
	result["Result"] = progress
	PrintJson(result)
	return nil
}

type ReadWordCmd struct {
	Connection
	Address string `arg:"" help:"Byte address to read (decimal or 0x hex, must be even)"`
}

func (c *ReadWordCmd) Run() error {
	address, err := strconv.ParseInt(c.Address, 0, 32)
	fatalIfErr(c.Address, "parse address", err)
	sercon, programmer := c.connect()
	defer sercon.Close()
	word, err := programmer.ReadWord(int(address))
	fatalIfErr(sercon.Port, "read word", err)
	result := make(map[string]interface{})
	result["Address"] = address
	result["Word"] = fmt.Sprintf("0x%04X", word)
	PrintJson(result)
	return nil
}

// **********************************
// *         HEX COMMANDS           *
// **********************************

type HexInfoCmd struct {
	Infile string `type:"existingfile" default:"firmware.hex" short:"i"`
}

func (c *HexInfoCmd) Run() error {
	config := loadConfig()
	profile, err := config.Profile()
	fatalIfErr(config.Device, "find device profile", err)
	file, err := os.Open(c.Infile)
	fatalIfErr(c.Infile, "open hex file", err)
	defer file.Close()
	image, err := avrprog.HexToImage(file, profile.FlashSize)
	fatalIfErr(c.Infile, "parse hex file", err)
	result := make(map[string]interface{})
	result["Filename"] = c.Infile
	result["Profile"] = profile.Name
	result["Image"] = avrprog.AnalyzeImage(image, profile.FlashPageSize)
	PrintJson(result)
	return nil
}

// **********************************
// *    ALL TOGETHER COMMANDS       *
// **********************************

var cli struct {
	Device struct {
		Scan  ScanCmd  `cmd:"" help:"List serial ports that might have a board on them"`
		Find  FindCmd  `cmd:"" help:"Probe for a bootloader and list the devices it supports"`
		Fuses FusesCmd `cmd:"" help:"Read fuses and work out where the bootloader starts"`
		Reset ResetCmd `cmd:"" help:"Take a device out of programming mode after a failed write"`
	} `cmd:"" help:"Commands which retrieve information about devices"`
	Flash struct {
		Erase    EraseCmd    `cmd:"" help:"Erase the application section of flash"`
		Write    WriteCmd    `cmd:"" help:"Erase, then write a hex file below the bootloader (standard procedure)"`
		Readword ReadWordCmd `cmd:"" help:"Read a single word of flash"`
	} `cmd:"" help:"Commands which work on device flash"`
	Hex struct {
		Info HexInfoCmd `cmd:"" help:"Report size, pages and blank pages of a hex file"`
	} `cmd:"" help:"Commands which work on firmware files"`
	Config  string           `type:"path" help:"TOML config file (port, baud, retries, profiles)"`
	Baud    int              `help:"Override baud rate"`
	Retries *int             `help:"Override transport fault retries per page (negative: forever)"`
	Verbose bool             `short:"v" help:"Log every page"`
	Quiet   bool             `short:"q" help:"Only log warnings and errors"`
	Version kong.VersionFlag `help:"Show version information"`
}

// Config file first, then whatever was given on the command line
func loadConfig() avrprog.Config {
	config, err := avrprog.LoadConfig(cli.Config)
	fatalIfErr(cli.Config, "load config", err)
	if cli.Baud > 0 {
		config.BaudRate = cli.Baud
	}
	if cli.Retries != nil {
		config.MaxRetries = *cli.Retries
	}
	return config
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("x0xflash"),
		kong.ShortUsageOnError(),
		kong.Description("Flash firmware onto an x0xb0x (or any AVR-PROG bootloader) over serial"),
		kong.Vars{
			"version": AppVersion,
		},
	)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	} else if cli.Quiet {
		log.SetLevel(log.WarnLevel)
	}
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
