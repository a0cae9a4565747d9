//go:build integration

// Package testutil starts throwaway database and broker containers for
// integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	mysqlImage          = "mysql:8.0.36"
	postgresImage       = "postgres:16-alpine"
	rabbitImage         = "rabbitmq:3.13-alpine"
	databaseName        = "outbox"
	databaseUser        = "root"
	databasePassword    = "secret"
	cliContainerImage   = "alpine:3.20"
	cliContainerPath    = "/cli"
	cliExitTimeout      = 2 * time.Minute
	startupTimeout      = 2 * time.Minute
	mysqlDSNTemplate    = "%s:%s@tcp(%s:%s)/%s?parseTime=true"
	postgresDSNTemplate = "postgres://%s:%s@%s:%s/%s?sslmode=disable"
)

// DatabaseContainer is a running database reachable from the host (DB) and
// from other containers on Network (DSN).
type DatabaseContainer struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	// DSN is the address inside the container network.
	DSN string
	// HostDSN is the address from the test process.
	HostDSN string
}

// StartMySQLContainer starts MySQL 8 and skips the test when Docker is unavailable.
func StartMySQLContainer(t *testing.T, ctx context.Context) DatabaseContainer {
	t.Helper()

	return startDatabase(t, ctx, databaseSpec{
		image:  mysqlImage,
		port:   "3306/tcp",
		alias:  "mysql",
		driver: "mysql",
		env: map[string]string{
			"MYSQL_ROOT_PASSWORD": databasePassword,
			"MYSQL_DATABASE":      databaseName,
		},
		dsn: func(host, port string) string {
			return fmt.Sprintf(mysqlDSNTemplate, databaseUser, databasePassword, host, port, databaseName)
		},
	})
}

// StartPostgresContainer starts PostgreSQL and skips the test when Docker is unavailable.
func StartPostgresContainer(t *testing.T, ctx context.Context) DatabaseContainer {
	t.Helper()

	return startDatabase(t, ctx, databaseSpec{
		image:  postgresImage,
		port:   "5432/tcp",
		alias:  "postgres",
		driver: "pgx",
		env: map[string]string{
			"POSTGRES_USER":     databaseUser,
			"POSTGRES_PASSWORD": databasePassword,
			"POSTGRES_DB":       databaseName,
		},
		dsn: func(host, port string) string {
			return fmt.Sprintf(postgresDSNTemplate, databaseUser, databasePassword, host, port, databaseName)
		},
	})
}

type databaseSpec struct {
	image  string
	port   nat.Port
	alias  string
	driver string
	env    map[string]string
	dsn    func(host, port string) string
}

func startDatabase(t *testing.T, ctx context.Context, def databaseSpec) DatabaseContainer {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	req := testcontainers.ContainerRequest{
		Image:        def.image,
		ExposedPorts: []string{string(def.port)},
		Env:          def.env,
		Networks:     []string{net.Name},
		NetworkAliases: map[string][]string{
			net.Name: {def.alias},
		},
		WaitingFor: wait.ForSQL(def.port, def.driver, func(host string, port nat.Port) string {
			return def.dsn(host, port.Port())
		}).WithStartupTimeout(startupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", def.alias, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, def.port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	hostDSN := def.dsn(host, mappedPort.Port())
	db, err := sql.Open(def.driver, hostDSN)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return DatabaseContainer{
		Container: container,
		Network:   net,
		DB:        db,
		DSN:       def.dsn(def.alias, def.port.Port()),
		HostDSN:   hostDSN,
	}
}

// StartRabbitMQContainer starts RabbitMQ and returns an AMQP URL reachable from the host.
func StartRabbitMQContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	port := nat.Port("5672/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        rabbitImage,
			ExposedPorts: []string{string(port)},
			WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(startupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start rabbitmq container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, mappedPort.Port())
}

// BuildBinary compiles pkg for linux so it can run inside a container.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("resolve working dir: %v", err)
		}
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, string(out))
	}

	return bin
}

// RunCLIContainer runs a binary on networkName and returns its exit code and logs.
func RunCLIContainer(t *testing.T, ctx context.Context, networkName, binaryPath string, args []string) (int, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:      cliContainerImage,
		Entrypoint: []string{cliContainerPath},
		Cmd:        args,
		Networks:   []string{networkName},
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      binaryPath,
				ContainerFilePath: cliContainerPath,
				FileMode:          0o755,
			},
		},
		WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	logsReader, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}
	defer logsReader.Close()

	logs, err := io.ReadAll(logsReader)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}

	return state.ExitCode, string(logs)
}
