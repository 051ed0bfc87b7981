package shell

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/losfair/fwboot/fwboot-libs/memfd"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"go.uber.org/zap"
)

// Exec hands commands to a host shell. The image being activated, or else
// whatever Image returns, is readable by the command at $FWUPDATE_IMAGE.
type Exec struct {
	logger *zap.Logger

	Shell string
	// Image returns the bytes exposed to the command.
	Image func() []byte
	Env   []string
}

func NewExec(logger *zap.Logger, image func() []byte) *Exec {
	return &Exec{
		logger: logger.With(zap.String("component", "exec")),
		Shell:  "/bin/sh",
		Image:  image,
	}
}

func (e *Exec) Execute(ctx context.Context, command string) error {
	image, ok := update.ImageFromContext(ctx)
	if !ok && e.Image != nil {
		image = e.Image()
	}
	imageFile, err := memfd.NewSealed("fwupdate-image", image)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		defer pr.Close()

		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			e.logger.Info("command output", zap.String("line", scanner.Text()))
		}
	}()

	cmd := exec.CommandContext(ctx, e.Shell, "-c", command)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"FWUPDATE_IMAGE="+memfd.ChildPath,
		fmt.Sprintf("FWUPDATE_IMAGE_SIZE=%d", len(image)),
	)
	cmd.ExtraFiles = []*os.File{imageFile}
	cmd.Stdout = pw
	cmd.Stderr = pw

	e.logger.Info("running command", zap.String("command", command), zap.Int("image_size", len(image)))
	err = cmd.Run()
	pw.Close()
	<-relayed

	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
