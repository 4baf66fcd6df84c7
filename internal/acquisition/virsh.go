package acquisition

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/tools"
)

const virshListTimeout = 30 * time.Second

// ErrDomainNotFound is returned when no libvirt domain matches the subject.
var ErrDomainNotFound = errors.New("libvirt domain not found")

// Virsh dumps guest memory through the local libvirt daemon.
type Virsh struct {
	Exec tools.Executor
	Path string
	// UseSudo runs virsh through non-interactive sudo.
	UseSudo bool
	Logger  *slog.Logger
}

// NewVirsh constructs the virsh backend.
func NewVirsh(exec tools.Executor, path string, useSudo bool, logger *slog.Logger) *Virsh {
	if path == "" {
		path = "virsh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Virsh{Exec: exec, Path: path, UseSudo: useSudo, Logger: logger}
}

func (v *Virsh) Name() string   { return "virsh" }
func (v *Virsh) Binary() string { return v.Path }

// AcquireImage resolves the subject's libvirt domain and writes a memory-only dump to destPath.
func (v *Virsh) AcquireImage(ctx context.Context, subject model.SubjectRef, destPath string, timeout time.Duration) (int64, error) {
	domain, err := v.ResolveDomain(ctx, subject)
	if err != nil {
		return 0, err
	}
	v.Logger.InfoContext(ctx, "dumping libvirt domain", "domain", domain, "dest", destPath)

	cmd := v.command(timeout, "dump", domain, destPath, "--memory-only")
	res, err := v.Exec.Exec(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("virsh dump %s: %w: %s", domain, err, strings.TrimSpace(string(res.Stderr)))
	}
	if v.UseSudo {
		// Dumps written through sudo are root owned.
		chmod := tools.Command{Name: "sudo", Args: []string{"-n", "chmod", "0644", destPath}, Timeout: virshListTimeout}
		if _, err := v.Exec.Exec(ctx, chmod); err != nil {
			v.Logger.WarnContext(ctx, "could not relax image permissions", "path", destPath, "error", err)
		}
	}

	fi, err := os.Stat(destPath)
	if err != nil {
		return 0, fmt.Errorf("virsh dump produced no image: %w", err)
	}
	if fi.Size() == 0 {
		return 0, apperrors.Newf(apperrors.ErrCodeAcquisitionFailed, "virsh dump of %s produced an empty image", domain)
	}
	return fi.Size(), nil
}

// ResolveDomain maps an instance to its libvirt domain name using the naming conventions of the
// compute service, falling back to a partial match over all defined domains.
func (v *Virsh) ResolveDomain(ctx context.Context, subject model.SubjectRef) (string, error) {
	res, err := v.Exec.Exec(ctx, v.command(virshListTimeout, "list", "--all"))
	if err != nil {
		return "", fmt.Errorf("virsh list: %w", err)
	}
	domains := parseDomainList(res.Stdout)
	if name, ok := matchDomain(subject.InstanceID, domains); ok {
		return name, nil
	}
	v.Logger.WarnContext(ctx, "no libvirt domain matched instance",
		"instance_id", subject.InstanceID,
		"domains", domains,
	)
	return "", apperrors.Wrapf(ErrDomainNotFound, apperrors.ErrCodeAcquisitionFailed,
		"no libvirt domain for instance %s", subject.InstanceID)
}

func (v *Virsh) command(timeout time.Duration, args ...string) tools.Command {
	if v.UseSudo {
		return tools.Command{Name: "sudo", Args: append([]string{"-n", v.Path}, args...), Timeout: timeout}
	}
	return tools.Command{Name: v.Path, Args: args, Timeout: timeout}
}

// parseDomainList extracts domain names from "virsh list --all" table output.
func parseDomainList(out []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] == "Id" || strings.HasPrefix(fields[0], "---") {
			continue
		}
		names = append(names, fields[1])
	}
	return names
}

// matchDomain tries the conventional name patterns in order, then any domain containing a
// fragment of the instance id.
func matchDomain(instanceID string, domains []string) (string, bool) {
	id := strings.TrimSpace(instanceID)
	if id == "" {
		return "", false
	}
	compact := strings.ReplaceAll(id, "-", "")
	short := id
	if len(short) > 8 {
		short = short[:8]
	}

	for _, d := range domains {
		if d == id {
			return d, true
		}
	}
	for _, pattern := range []string{"instance-" + id, "instance-" + compact, "instance-" + short, id} {
		for _, d := range domains {
			if strings.Contains(d, pattern) {
				return d, true
			}
		}
	}
	for _, d := range domains {
		if strings.Contains(d, short) || strings.Contains(d, compact) {
			return d, true
		}
	}
	return "", false
}

var _ Backend = (*Virsh)(nil)
