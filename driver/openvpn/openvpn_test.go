package openvpn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/common"
)

// TestHelperProcess stands in for the openvpn binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "up":
		fmt.Println("TUN/TAP device tun7 opened")
		fmt.Println("Initialization Sequence Completed")
		time.Sleep(time.Minute)
	case "auth":
		fmt.Fprintln(os.Stderr, "AUTH: Received control message: AUTH_FAILED")
		os.Exit(1)
	case "exit":
		fmt.Println("nothing useful")
		os.Exit(2)
	case "hang":
		time.Sleep(time.Minute)
	case "drop":
		fmt.Println("Initialization Sequence Completed")
		time.Sleep(50 * time.Millisecond)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperDriver(t *testing.T, mode string) *Driver {
	t.Helper()
	d := New(Config{Binary: "openvpn", SysfsNet: t.TempDir()})
	d.command = func(name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	return d
}

func TestDriver_HandshakeAndTeardown(t *testing.T) {
	d := helperDriver(t, "up")
	ctx := context.Background()

	require.NoError(t, d.Handshake(ctx, "10.0.0.1:1194", common.DriverConfig{}))
	assert.Equal(t, "tun7", d.Interface())

	err := d.Handshake(ctx, "10.0.0.1:1194", common.DriverConfig{})
	assert.Equal(t, common.KindProtocolError, common.Classify(err), "second handshake while running")

	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Teardown(tctx))

	select {
	case err := <-d.LinkDown():
		t.Fatalf("requested teardown reported as link loss: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDriver_AuthFailed(t *testing.T) {
	d := helperDriver(t, "auth")

	err := d.Handshake(context.Background(), "10.0.0.1:1194", common.DriverConfig{Username: "alice", Secret: "pw"})
	require.Error(t, err)
	assert.Equal(t, common.KindAuthFailed, common.Classify(err))
	assert.False(t, common.Classify(err).Retryable())
}

func TestDriver_ExitBeforeUp(t *testing.T) {
	d := helperDriver(t, "exit")

	err := d.Handshake(context.Background(), "10.0.0.1:1194", common.DriverConfig{})
	assert.Equal(t, common.KindProtocolError, common.Classify(err))

	// The driver can be reused for the next attempt.
	d2 := helperDriver(t, "up")
	d.command = d2.command
	require.NoError(t, d.Handshake(context.Background(), "10.0.0.1:1194", common.DriverConfig{}))
	require.NoError(t, d.Teardown(context.Background()))
}

func TestDriver_HandshakeTimeout(t *testing.T) {
	d := helperDriver(t, "hang")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := d.Handshake(ctx, "10.0.0.1:1194", common.DriverConfig{})
	assert.Equal(t, common.KindTimeout, common.Classify(err))
	assert.True(t, common.Classify(err).Retryable())
}

func TestDriver_LinkDown(t *testing.T) {
	d := helperDriver(t, "drop")

	require.NoError(t, d.Handshake(context.Background(), "10.0.0.1:1194", common.DriverConfig{}))

	select {
	case err := <-d.LinkDown():
		require.Error(t, err)
		assert.Equal(t, common.KindNetworkUnreachable, common.Classify(err))
	case <-time.After(5 * time.Second):
		t.Fatal("expected link loss after openvpn exited")
	}
	require.NoError(t, d.Teardown(context.Background()))
}

func TestDriver_InvalidEndpoint(t *testing.T) {
	d := helperDriver(t, "up")
	err := d.Handshake(context.Background(), "no-port", common.DriverConfig{})
	assert.Equal(t, common.KindProtocolError, common.Classify(err))
}

func TestDriver_PollTraffic(t *testing.T) {
	root := t.TempDir()
	stats := filepath.Join(root, "tun3", "statistics")
	require.NoError(t, os.MkdirAll(stats, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stats, "tx_bytes"), []byte("1234\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stats, "rx_bytes"), []byte("56789\n"), 0644))

	d := New(Config{SysfsNet: root})

	// Another tunnel's device is present but openvpn has not named ours yet.
	sent, recv := d.PollTraffic()
	assert.Zero(t, sent)
	assert.Zero(t, recv)
	assert.Empty(t, d.Interface())

	ev, ok := classifyLine("TUN/TAP device tun3 opened")
	require.True(t, ok)
	d.mu.Lock()
	d.iface = ev.iface
	d.mu.Unlock()

	sent, recv = d.PollTraffic()
	assert.Equal(t, uint64(1234), sent)
	assert.Equal(t, uint64(56789), recv)
}

func TestDriver_BuildArgs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vpn.example.com.ovpn"), []byte("client\n"), 0644))

	d := New(Config{ConfigDir: dir, Routes: []string{"10.1.0.0/16", "bogus", "10.1.2.3/16"}})

	args, err := d.buildArgs("vpn.example.com:443", map[string]string{OptionProto: "tcp"}, "/tmp/cred")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--config", filepath.Join(dir, "vpn.example.com.ovpn"),
		"--remote", "vpn.example.com", "443", "--proto", "tcp",
		"--auth-user-pass", "/tmp/cred",
		"--verb", "3",
		"--route-nopull", "--pull-filter", "ignore", "redirect-gateway",
		"--route", "10.1.0.0", "255.255.0.0",
	}, args)

	args, err = New(Config{}).buildArgs("10.0.0.1:1194", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--client", "--dev", "tun", "--nobind",
		"--remote", "10.0.0.1", "1194", "--proto", "udp",
		"--verb", "3",
	}, args)
}

func TestCreateCredentialsFile(t *testing.T) {
	path, err := createCredentialsFile("", "")
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = createCredentialsFile("alice", "s3cret")
	require.NoError(t, err)
	defer os.Remove(path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice\ns3cret\n", string(data))
}

func TestFactory_OnlyOpenVPN(t *testing.T) {
	f := NewFactory(Config{})
	_, err := f.NewDriver("wireguard")
	assert.Error(t, err)

	d, err := f.NewDriver("openvpn")
	require.NoError(t, err)
	assert.IsType(t, &Driver{}, d)
}
