package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/kernel"
	"github.com/dargueta/teachos/storage/common"
	"github.com/dargueta/teachos/utilities/debug"
	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "teachos",
		Usage: "Manage teachos disk images and run programs stored on them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "profile",
				Value: "nachos",
				Usage: "machine and disk geometry to use (see `profiles`)",
			},
			&cli.UintFlag{
				Name:  "debug",
				Usage: "debug message level: 1 lifecycle, 2 paging, 3 sector allocation",
			},
		},
		Before: func(c *cli.Context) error {
			debug.Level = uint64(c.Uint("debug"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "profiles",
				Usage:  "List the predefined geometries",
				Action: listProfiles,
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "csv", Usage: "print as CSV"}},
			},
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE",
			},
			{
				Name:      "put",
				Usage:     "Copy a file from the host into an image",
				Action:    putFile,
				ArgsUsage: "IMAGE HOST_FILE PATH",
			},
			{
				Name:      "get",
				Usage:     "Copy a file out of an image; with no HOST_FILE it goes to stdout",
				Action:    getFile,
				ArgsUsage: "IMAGE PATH [HOST_FILE]",
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				Action:    listDirectory,
				ArgsUsage: "IMAGE [PATH]",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "csv", Usage: "print as CSV"}},
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				Action:    makeDirectory,
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or an empty directory",
				Action:    removeFile,
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "stat",
				Usage:     "Describe a file or directory",
				Action:    statFile,
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "dump",
				Usage:     "Print the free map, the root directory, and every file header in it",
				Action:    dumpImage,
				ArgsUsage: "IMAGE",
			},
			{
				Name:      "run",
				Usage:     "Run a user program stored in an image",
				Action:    runProgram,
				ArgsUsage: "IMAGE PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "lazy", Usage: "load pages on demand"},
				},
			},
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func requireArgs(c *cli.Context, minArgs, maxArgs int) error {
	if c.NArg() < minArgs || c.NArg() > maxArgs {
		return teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("expected %d to %d arguments, got %d", minArgs, maxArgs, c.NArg()))
	}
	return nil
}

func selectedGeometry(c *cli.Context) (geometry.Geometry, error) {
	return geometry.Get(c.String("profile"))
}

// openImage mounts the file system in the image file at `path`.
func openImage(c *cli.Context, path string) (*filesys.FileSystem, *os.File, error) {
	geo, err := selectedGeometry(c)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	totalSectors, err := common.DetermineSectorCount(file, geo.SectorSize)
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	device := common.NewSectorStream(file, totalSectors, geo.SectorSize, 0)
	fs, err := filesys.Mount(device, geo)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return fs, file, nil
}

// withImage mounts the image named by the first argument, runs `action`, and
// flushes and closes everything afterwards.
func withImage(c *cli.Context, action func(fs *filesys.FileSystem) error) error {
	fs, file, err := openImage(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer file.Close()

	err = action(fs)
	if err != nil {
		return err
	}
	return fs.Close()
}

////////////////////////////////////////////////////////////////////////////////

func listProfiles(c *cli.Context) error {
	profiles := geometry.All()
	if c.Bool("csv") {
		output, err := gocsv.MarshalString(&profiles)
		if err != nil {
			return err
		}
		_, err = io.WriteString(c.App.Writer, output)
		return err
	}

	for _, geo := range profiles {
		fmt.Fprintf(
			c.App.Writer,
			"%-8s %s: %d x %d-byte sectors, %d frames of %d bytes\n",
			geo.Slug,
			geo.Name,
			geo.NumSectors,
			geo.SectorSize,
			geo.NumPhysPages,
			geo.PageSize)
	}
	return nil
}

func formatImage(c *cli.Context) error {
	if err := requireArgs(c, 1, 1); err != nil {
		return err
	}
	geo, err := selectedGeometry(c)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(c.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	err = file.Truncate(int64(geo.SectorSize * geo.NumSectors))
	if err != nil {
		return err
	}

	device := common.NewSectorStream(file, geo.NumSectors, geo.SectorSize, 0)
	fs, err := filesys.Format(device, geo)
	if err != nil {
		return err
	}
	return fs.Close()
}

func putFile(c *cli.Context) error {
	if err := requireArgs(c, 3, 3); err != nil {
		return err
	}
	data, err := os.ReadFile(c.Args().Get(1))
	if err != nil {
		return err
	}
	return withImage(c, func(fs *filesys.FileSystem) error {
		return fs.WriteFile(c.Args().Get(2), data)
	})
}

func getFile(c *cli.Context) error {
	if err := requireArgs(c, 2, 3); err != nil {
		return err
	}
	return withImage(c, func(fs *filesys.FileSystem) error {
		data, err := fs.ReadFile(c.Args().Get(1))
		if err != nil {
			return err
		}
		if c.NArg() == 2 {
			_, err = c.App.Writer.Write(data)
			return err
		}
		return os.WriteFile(c.Args().Get(2), data, 0o644)
	})
}

// listingRow is one line of `ls --csv`.
type listingRow struct {
	Name       string `csv:"name"`
	Type       string `csv:"type"`
	Size       uint   `csv:"size"`
	NumSectors uint   `csv:"sectors"`
	Sector     uint32 `csv:"header_sector"`
	CreatedAt  string `csv:"created_at"`
}

func newListingRow(info filesys.FileInfo) listingRow {
	return listingRow{
		Name:       info.Name,
		Type:       info.Type.String(),
		Size:       info.Size,
		NumSectors: info.NumSectors,
		Sector:     uint32(info.Sector),
		CreatedAt:  info.CreatedAt.Format(time.RFC3339),
	}
}

func listDirectory(c *cli.Context) error {
	if err := requireArgs(c, 1, 2); err != nil {
		return err
	}
	path := "/"
	if c.NArg() == 2 {
		path = c.Args().Get(1)
	}

	return withImage(c, func(fs *filesys.FileSystem) error {
		listing, err := fs.List(path)
		if err != nil {
			return err
		}

		if c.Bool("csv") {
			rows := make([]listingRow, 0, len(listing))
			for _, info := range listing {
				rows = append(rows, newListingRow(info))
			}
			output, err := gocsv.MarshalString(&rows)
			if err != nil {
				return err
			}
			_, err = io.WriteString(c.App.Writer, output)
			return err
		}

		for _, info := range listing {
			fmt.Fprintf(c.App.Writer, "%-4s %8d  %s\n", info.Type, info.Size, info.Name)
		}
		return nil
	})
}

func makeDirectory(c *cli.Context) error {
	if err := requireArgs(c, 2, 2); err != nil {
		return err
	}
	return withImage(c, func(fs *filesys.FileSystem) error {
		return fs.Mkdir(c.Args().Get(1))
	})
}

func removeFile(c *cli.Context) error {
	if err := requireArgs(c, 2, 2); err != nil {
		return err
	}
	return withImage(c, func(fs *filesys.FileSystem) error {
		return fs.Remove(c.Args().Get(1))
	})
}

func statFile(c *cli.Context) error {
	if err := requireArgs(c, 2, 2); err != nil {
		return err
	}
	return withImage(c, func(fs *filesys.FileSystem) error {
		info, err := fs.Stat(c.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Name:    %s\n", info.Name)
		fmt.Fprintf(c.App.Writer, "Type:    %s\n", info.Type)
		fmt.Fprintf(c.App.Writer, "Size:    %d bytes in %d sectors\n", info.Size, info.NumSectors)
		fmt.Fprintf(c.App.Writer, "Header:  sector %d\n", info.Sector)
		fmt.Fprintf(c.App.Writer, "Created: %s\n", info.CreatedAt.Format(time.ANSIC))
		return nil
	})
}

func dumpImage(c *cli.Context) error {
	if err := requireArgs(c, 1, 1); err != nil {
		return err
	}
	return withImage(c, func(fs *filesys.FileSystem) error {
		return fs.Print(c.App.Writer)
	})
}

func runProgram(c *cli.Context) error {
	if err := requireArgs(c, 2, 2); err != nil {
		return err
	}
	geo, err := selectedGeometry(c)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(c.Args().Get(0), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	totalSectors, err := common.DetermineSectorCount(file, geo.SectorSize)
	if err != nil {
		return err
	}

	k, err := kernel.New(kernel.Options{
		Geometry: geo,
		Device:   common.NewSectorStream(file, totalSectors, geo.SectorSize, 0),
		Lazy:     c.Bool("lazy"),
		Stdin:    os.Stdin,
		Stdout:   c.App.Writer,
	})
	if err != nil {
		return err
	}

	runErr := k.Run(c.Args().Get(1))
	closeErr := k.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}
