package retina

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/term"
)

// maxWorkers sets the maximum number of concurrently running workers.
const maxWorkers = 20

// Ops describes a batch run: a source (file, directory, URL or pipe) and its destination.
type Ops struct {
	Src, Dst, PipeName string
	Workers            int
}

// result holds the outcome of processing a single file.
type result struct {
	path  string
	faces int
	err   error
}

// Execute runs the processor over the source described by op. Directories are walked
// recursively and their images processed concurrently; the failures of every file are
// collected and returned together once the walk completes.
func (p *Processor) Execute(ctx context.Context, op *Ops) error {
	if p.Spinner == nil {
		defaultMsg := fmt.Sprintf("%s %s",
			utils.DecorateText("⚡ RETINA", utils.StatusMessage),
			utils.DecorateText("⇢ detecting faces...", utils.DefaultMessage),
		)
		p.Spinner = utils.NewSpinner(defaultMsg, time.Millisecond*80)
	}

	src := op.Src
	// Check if source path is a local image or URL.
	if utils.IsValidUrl(op.Src) {
		f, err := utils.DownloadImage(ctx, op.Src)
		if err != nil {
			return errors.Wrap(err, "failed to load the source image")
		}
		defer os.Remove(f.Name())
		f.Close()
		src = f.Name()
	}

	var (
		fs  os.FileInfo
		err error
	)
	// Check if the source is a pipe name or a regular file.
	if src == op.PipeName {
		fs, err = os.Stdin.Stat()
	} else {
		fs, err = os.Stat(src)
	}
	if err != nil {
		return errors.Wrap(err, "failed to load the source image")
	}

	now := time.Now()
	p.Spinner.Start()
	defer p.Spinner.Stop()

	switch mode := fs.Mode(); {
	case mode.IsDir():
		if p.Detector != nil && p.Detector.dumpDir != "" {
			return configErrorf("tensor dumps need a single source image, %s is a directory", src)
		}
		if err := os.MkdirAll(op.Dst, 0755); err != nil {
			return errors.Wrap(err, "unable to create the destination directory")
		}
		err = p.executeDir(ctx, op, src)

	case mode.IsRegular() || mode&os.ModeNamedPipe != 0: // check for regular files or pipe names
		ext := filepath.Ext(op.Dst)
		if !isValidExtension(ext, validExtensions) && op.Dst != op.PipeName {
			return errors.Errorf("%v file type not supported", ext)
		}
		res := p.processFile(ctx, op, src, op.Dst, "")
		op.printOpStatus(res)
		err = res.err

	default:
		return errors.Errorf("unsupported source %s", src)
	}

	if err == nil {
		fmt.Fprintf(os.Stderr, "\nExecution time: %s\n",
			utils.DecorateText(utils.FormatTime(time.Since(now)), utils.SuccessMessage))
	}
	return err
}

// executeDir processes the images of a directory tree with a bounded worker pool.
func (p *Processor) executeDir(ctx context.Context, op *Ops, dir string) error {
	workers := op.Workers
	// Limit the concurrently running workers to maxWorkers.
	if workers <= 0 || workers > maxWorkers {
		workers = runtime.NumCPU()
	}

	ch := make(chan result)
	done := make(chan struct{})
	defer close(done)

	paths, errc := walkDir(done, dir, validExtensions)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			p.consumer(ctx, op, dir, ch, done, paths)
		}()
	}

	// Close the channel after the values are consumed.
	go func() {
		defer close(ch)
		wg.Wait()
	}()

	var errs error
	for res := range ch {
		errs = multierr.Append(errs, res.err)
		op.printOpStatus(res)
	}
	return multierr.Append(errs, <-errc)
}

// consumer reads the path names from the paths channel and runs the processor against each image.
func (p *Processor) consumer(
	ctx context.Context,
	op *Ops,
	dir string,
	res chan<- result,
	done <-chan struct{},
	paths <-chan string,
) {
	for src := range paths {
		r := p.processTreeFile(ctx, op, dir, src)

		select {
		case <-done:
			return
		case res <- r:
		}
	}
}

// processTreeFile processes an image found under dir, writing its output
// at the same relative path under the destination directory.
func (p *Processor) processTreeFile(ctx context.Context, op *Ops, dir, src string) result {
	rel, err := filepath.Rel(dir, src)
	if err != nil {
		return result{path: src, err: errors.Wrap(err, "unable to resolve the output path")}
	}
	dst := filepath.Join(op.Dst, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return result{path: src, err: errors.Wrap(err, "unable to create the destination directory")}
	}
	return p.processFile(ctx, op, src, dst, rel)
}

// processFile opens the source and destination and calls the processor.
// name is the results file name relative to the results directory; when empty
// it is derived from the source file name.
func (p *Processor) processFile(ctx context.Context, op *Ops, in, out, name string) result {
	if err := ctx.Err(); err != nil {
		return result{path: in, err: err}
	}

	src, dst, err := op.pathToFile(in, out)
	if err != nil {
		return result{path: in, err: err}
	}
	defer func() {
		if f, ok := src.(*os.File); ok && f != os.Stdin {
			f.Close()
		}
	}()

	res, err := p.process(ctx, src, dst, name)
	if f, ok := dst.(*os.File); ok && f != os.Stdout {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			// remove the generated image file in case of an error
			os.Remove(f.Name())
		}
	}
	if err != nil {
		return result{path: in, err: errors.Wrapf(err, "processing %s", filepath.Base(in))}
	}
	return result{path: out, faces: len(res.Detections)}
}

// pathToFile converts the source and destination paths to readable and writable files.
func (op *Ops) pathToFile(in, out string) (io.Reader, io.Writer, error) {
	var (
		src io.Reader
		dst io.Writer
		err error
	)
	// Check if the source is a pipe name or a regular file.
	if in == op.PipeName {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, nil, errors.New("`-` should be used with a pipe for stdin")
		}
		src = os.Stdin
	} else {
		src, err = os.Open(in)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to open the source file")
		}
	}

	// Check if the destination is a pipe name or a regular file.
	if out == op.PipeName {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			if f, ok := src.(*os.File); ok && f != os.Stdin {
				f.Close()
			}
			return nil, nil, errors.New("`-` should be used with a pipe for stdout")
		}
		dst = os.Stdout
	} else {
		dst, err = os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			if f, ok := src.(*os.File); ok && f != os.Stdin {
				f.Close()
			}
			return nil, nil, errors.Wrap(err, "unable to create the destination file")
		}
	}
	return src, dst, nil
}

// printOpStatus displays the relevant information about the processed image.
func (op *Ops) printOpStatus(res result) {
	if res.err != nil {
		fmt.Fprintf(os.Stderr, "\n%s%s\n",
			utils.DecorateText("Error processing the image: ", utils.ErrorMessage),
			utils.DecorateText(res.err.Error(), utils.DefaultMessage),
		)
		return
	}
	if res.path != op.PipeName {
		fmt.Fprintf(os.Stderr, "\n%d face(s) found, the image has been saved as: %s\n",
			res.faces, utils.DecorateText(filepath.Base(res.path), utils.SuccessMessage),
		)
	}
}

// walkDir starts a new goroutine to walk the specified directory tree
// in recursive manner and sends the path of each regular file to a new channel.
// It finishes in case the done channel is getting closed.
func walkDir(
	done <-chan struct{},
	src string,
	srcExts []string,
) (<-chan string, <-chan error) {
	pathChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		// Close the paths channel after Walk returns.
		defer close(pathChan)

		errChan <- filepath.Walk(src, func(path string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !f.Mode().IsRegular() {
				return nil
			}
			if isValidExtension(filepath.Ext(f.Name()), srcExts) {
				select {
				case <-done:
					return errors.New("directory walk cancelled")
				case pathChan <- path:
				}
			}
			return nil
		})
	}()
	return pathChan, errChan
}
