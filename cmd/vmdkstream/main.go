package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/asalih/go-streamvmdk/vmdk"
)

func main() {
	app := cli.NewApp()
	app.Name = "vmdkstream"
	app.Usage = "inspect virtual disks and convert them to stream-optimized VMDK"
	app.Commands = []cli.Command{
		infoCommand(),
		convertCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

type flagsInfo struct {
	ValidNewlineDetector bool `json:"validNewlineDetector"`
	UseRedundant         bool `json:"useRedundant"`
	Compressed           bool `json:"compressed"`
	EmbeddedLBA          bool `json:"embeddedLBA"`
}

type sparseHeaderInfo struct {
	Version               uint32    `json:"version"`
	Flags                 uint32    `json:"flags"`
	FlagsDecoded          flagsInfo `json:"flagsDecoded"`
	NumGTEsPerGT          uint32    `json:"numGTEsPerGT"`
	CompressAlgorithm     uint16    `json:"compressAlgorithm"`
	CompressAlgorithmName string    `json:"compressAlgorithmName"`
	UncleanShutdown       uint8     `json:"uncleanShutdown"`
	GrainSize             uint64    `json:"grainSize"`
	GrainSizeBytes        int64     `json:"grainSizeBytes"`
	DescriptorOffset      uint64    `json:"descriptorOffset"`
	DescriptorSize        uint64    `json:"descriptorSize"`
	RgdOffset             uint64    `json:"rgdOffset"`
	GdOffset              uint64    `json:"gdOffset"`
	OverHead              uint64    `json:"overHead"`
}

type diskInfo struct {
	Capacity     int64             `json:"capacity"`
	Used         int64             `json:"used"`
	SparseHeader *sparseHeaderInfo `json:"sparseHeader,omitempty"`
}

func infoCommand() cli.Command {
	return cli.Command{
		Name:      "info",
		Usage:     "display capacity and used space of a virtual disk",
		ArgsUsage: "src.vmdk",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "detailed, d",
				Usage: "include the decoded sparse extent header",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("info takes exactly one disk argument")
			}
			src, err := vmdk.OpenDisk(c.Args().First())
			if err != nil {
				return fmt.Errorf("cannot open source disk %s: %w", c.Args().First(), err)
			}
			defer src.Close()

			info := diskInfo{Capacity: src.Capacity()}
			end := int64(0)
			for {
				pos, rangeEnd, err := src.NextData(end)
				if errors.Is(err, vmdk.ErrNoData) {
					break
				}
				if err != nil {
					return err
				}
				info.Used += rangeEnd - pos
				end = rangeEnd
			}

			if c.Bool("detailed") {
				reader, ok := src.(*vmdk.Reader)
				if !ok {
					return errors.New("detailed information is only available for sparse VMDK files")
				}
				hdr := reader.Header()
				algorithmName := "unknown"
				switch hdr.CompressAlgorithm {
				case vmdk.COMPRESSION_NONE:
					algorithmName = "none"
				case vmdk.COMPRESSION_DEFLATE:
					algorithmName = "deflate"
				}
				info.SparseHeader = &sparseHeaderInfo{
					Version: hdr.Version,
					Flags:   hdr.Flags,
					FlagsDecoded: flagsInfo{
						ValidNewlineDetector: hdr.Flags&vmdk.SPARSEFLAG_VALID_NEWLINE_DETECTOR != 0,
						UseRedundant:         hdr.Flags&vmdk.SPARSEFLAG_USE_REDUNDANT != 0,
						Compressed:           hdr.IsCompressed(),
						EmbeddedLBA:          hdr.IsEmbeddedLBA(),
					},
					NumGTEsPerGT:          hdr.NumGTEsPerGT,
					CompressAlgorithm:     hdr.CompressAlgorithm,
					CompressAlgorithmName: algorithmName,
					UncleanShutdown:       hdr.UncleanShutdown,
					GrainSize:             uint64(hdr.GrainSize),
					GrainSizeBytes:        int64(hdr.GrainSize) * vmdk.SECTOR_SIZE,
					DescriptorOffset:      uint64(hdr.DescriptorOffset),
					DescriptorSize:        uint64(hdr.DescriptorSize),
					RgdOffset:             uint64(hdr.RgdOffset),
					GdOffset:              uint64(hdr.GdOffset),
					OverHead:              uint64(hdr.OverHead),
				}
			}

			out, err := json.Marshal(info)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", out)
			return nil
		},
	}
}

func convertCommand() cli.Command {
	return cli.Command{
		Name:      "convert",
		Usage:     "convert a source disk to a stream-optimized VMDK (or a flat image)",
		ArgsUsage: "src.vmdk dst.vmdk",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:   "compression-level, c",
				Usage:  "compression level, 1 (fastest) to 9 (best)",
				Value:  9,
				EnvVar: "VMDKCONVERT_COMPRESSION_LEVEL",
			},
			cli.IntFlag{
				Name:   "num-threads, n",
				Usage:  "number of compression workers",
				Value:  runtime.NumCPU(),
				EnvVar: "VMDKCONVERT_NUM_THREADS",
			},
			cli.StringFlag{
				Name:  "tools-version, t",
				Usage: "toolsVersion recorded in the descriptor",
				Value: vmdk.DefaultToolsVersion,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("convert takes a source and a destination disk")
			}
			level := c.Int("compression-level")
			if level <= 0 || level > 9 {
				return fmt.Errorf("compression level must be > 0 and <= 9: %d", level)
			}
			numThreads := c.Int("num-threads")
			if numThreads <= 0 {
				return fmt.Errorf("number of threads must be > 0: %d", numThreads)
			}
			toolsVersion := c.String("tools-version")
			if _, err := strconv.ParseUint(toolsVersion, 10, 64); err != nil {
				return fmt.Errorf("invalid tools version: %s", toolsVersion)
			}

			srcPath := c.Args().Get(0)
			dstPath := c.Args().Get(1)

			src, err := vmdk.OpenDisk(srcPath)
			if err != nil {
				return fmt.Errorf("cannot open source disk %s: %w", srcPath, err)
			}
			defer src.Close()

			var dst vmdk.TargetDisk
			if strings.HasSuffix(dstPath, ".vmdk") {
				writer, err := vmdk.CreateStreamOptimized(dstPath, src.Capacity(), level)
				if err != nil {
					return fmt.Errorf("cannot create target disk %s: %w", dstPath, err)
				}
				writer.SetToolsVersion(toolsVersion)
				dst = writer
			} else {
				flat, err := vmdk.CreateFlat(dstPath, src.Capacity())
				if err != nil {
					return fmt.Errorf("cannot create target disk %s: %w", dstPath, err)
				}
				dst = flat
			}

			logrus.WithFields(logrus.Fields{
				"source":      srcPath,
				"destination": dstPath,
				"level":       level,
				"threads":     numThreads,
			}).Info("starting disk conversion")

			copied, err := vmdk.Copy(src, dst, numThreads)
			if err != nil {
				return fmt.Errorf("conversion failed: %w", err)
			}
			logrus.WithField("bytes", copied).Info("conversion succeeded")
			return nil
		},
	}
}
