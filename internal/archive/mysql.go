package archive

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/transport"
)

// DatabaseDumper moves an instance database to and from a dump file on
// the instance host.
type DatabaseDumper interface {
	Dump(ctx context.Context, inst *instance.Instance, access transport.Access, remotePath string) error
	Load(ctx context.Context, inst *instance.Instance, access transport.Access, remotePath string) error
}

// MySQLDumper runs mysqldump and mysql through the instance shell.
// Credentials reach the client through a temporary option file so they
// never appear on a command line.
type MySQLDumper struct {
	Credentials transport.CredentialResolver
	// DumpOptions are extra mysqldump flags.
	DumpOptions []string
}

func (d MySQLDumper) Dump(ctx context.Context, inst *instance.Instance, access transport.Access, remotePath string) error {
	return d.run(ctx, inst, access, "mysqldump", d.DumpOptions, ">", remotePath)
}

func (d MySQLDumper) Load(ctx context.Context, inst *instance.Instance, access transport.Access, remotePath string) error {
	return d.run(ctx, inst, access, "mysql", nil, "<", remotePath)
}

func (d MySQLDumper) run(ctx context.Context, inst *instance.Instance, access transport.Access, client string, extra []string, redirect, file string) error {
	sh, err := transport.RequireShell(access)
	if err != nil {
		return err
	}
	if inst.DB.Name == "" {
		return fmt.Errorf("instance %s has no database configured", inst.Label())
	}

	optFile, err := d.writeOptionFile(ctx, inst, access)
	if err != nil {
		return err
	}
	defer access.RemoveFile(context.WithoutCancel(ctx), optFile)

	args := []string{client, "--defaults-extra-file=" + optFile}
	args = append(args, extra...)
	args = append(args, inst.DB.Name)
	cmd := shellquote.Join(args...) + " " + redirect + " " + transport.Quote(file)
	if _, err := sh.ShellExec(ctx, cmd); err != nil {
		return fmt.Errorf("%s %s: %w", client, inst.DB.Name, err)
	}
	return nil
}

func (d MySQLDumper) writeOptionFile(ctx context.Context, inst *instance.Instance, access transport.Access) (string, error) {
	var b strings.Builder
	b.WriteString("[client]\n")
	if inst.DB.Host != "" {
		fmt.Fprintf(&b, "host=%s\n", inst.DB.Host)
	}
	if inst.DB.Port > 0 {
		b.WriteString("port=" + strconv.Itoa(inst.DB.Port) + "\n")
	}
	if inst.DB.User != "" {
		fmt.Fprintf(&b, "user=%s\n", inst.DB.User)
	}
	if inst.DB.CredentialRef != "" && d.Credentials != nil {
		secret, err := d.Credentials.Resolve(inst.DB.CredentialRef)
		if err != nil {
			return "", fmt.Errorf("database credential: %w", err)
		}
		fmt.Fprintf(&b, "password=\"%s\"\n", strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(secret))
	}

	tmp := inst.TempDir
	if tmp == "" {
		tmp = "/tmp"
	}
	p := path.Join(tmp, ".cmsfleet-my-"+uuid.NewString()+".cnf")
	if err := access.WriteFile(ctx, p, []byte(b.String())); err != nil {
		return "", fmt.Errorf("write mysql option file: %w", err)
	}
	return p, nil
}
