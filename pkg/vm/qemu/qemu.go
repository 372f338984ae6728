/*
 * This file is part of the virtmig project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright 2024 The virtmig authors.
 *
 */

// Package qemu provides a VirtualMachine handle backed by a directly spawned
// qemu process controlled over its QMP socket.
package qemu

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/pkg/errors"

	"virtmig.io/virtmig/pkg/console"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
)

const (
	defaultBinary    = "qemu-system-x86_64"
	qmpDialTimeout   = 2 * time.Second
	shutdownGrace    = 30 * time.Second
	saveStateTimeout = 120 * time.Second

	// fd name registered on the monitor for descriptor-based migrations.
	migrateFDName = "migrate0"
)

// Machine is a qemu process plus the QMP connection that controls it.
type Machine struct {
	name string
	def  *vm.Definition
	p    params.Params

	runDir      string
	monitorPath string
	serialPath  string
	migPort     int

	mu  sync.Mutex
	cmd *exec.Cmd
	mon *qmp.SocketMonitor
}

// New builds an unstarted handle. The definition's socket paths are
// rewritten to live under the run directory so clones never collide
// with their original.
func New(name string, def *vm.Definition, p params.Params) (*Machine, error) {
	runDir := p.Get("run_dir", filepath.Join(os.TempDir(), "virtmig"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating run directory")
	}
	port, err := freePort()
	if err != nil {
		return nil, err
	}
	d := *def
	d.Name = name
	d.MonitorSocket = filepath.Join(runDir, name+".qmp")
	d.SerialSocket = filepath.Join(runDir, name+".serial")
	return &Machine{
		name:        name,
		def:         &d,
		p:           p,
		runDir:      runDir,
		monitorPath: d.MonitorSocket,
		serialPath:  d.SerialSocket,
		migPort:     port,
	}, nil
}

func (m *Machine) Name() string { return m.name }
func (m *Machine) Kind() string { return "QemuVM" }

// Definition exposes the effective definition, used when pushing VMs to
// another host.
func (m *Machine) Definition() *vm.Definition { return m.def }

func (m *Machine) Start(incoming *vm.IncomingSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return errors.Errorf("vm %s is already started", m.name)
	}

	args := m.baseArgs()
	var extra []*os.File
	if incoming != nil {
		if incoming.Paused {
			args = append(args, "-S")
		}
		switch incoming.Protocol {
		case vm.TCP, vm.RDMA, vm.XRDMA:
			scheme := "tcp"
			if incoming.Protocol != vm.TCP {
				scheme = "rdma"
			}
			addr := incoming.Address
			if addr == "" {
				addr = "0.0.0.0"
			}
			args = append(args, "-incoming", fmt.Sprintf("%s:%s:%d", scheme, addr, incoming.Port))
		case vm.Unix:
			args = append(args, "-incoming", "unix:"+incoming.SocketPath)
		case vm.FD:
			if incoming.File == nil {
				return errors.New("fd incoming spec carries no descriptor")
			}
			// ExtraFiles start at descriptor 3 in the child.
			extra = append(extra, incoming.File)
			args = append(args, "-incoming", fmt.Sprintf("fd:%d", 2+len(extra)))
		case vm.Exec:
			args = append(args, "-incoming", "exec:"+incoming.Command)
		default:
			return errors.Errorf("unsupported incoming protocol %s", incoming.Protocol)
		}
	}

	binary := m.p.Get("qemu_binary", defaultBinary)
	cmd := exec.Command(binary, args...)
	cmd.ExtraFiles = extra
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", binary)
	}
	m.cmd = cmd
	go cmd.Wait()

	if err := m.waitForMonitor(); err != nil {
		cmd.Process.Kill()
		m.cmd = nil
		return err
	}
	log.Log.Object(m).V(2).Infof("started pid %d", cmd.Process.Pid)
	return nil
}

func (m *Machine) baseArgs() []string {
	args := []string{
		"-name", m.name,
		"-nodefaults",
		"-nographic",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", m.monitorPath),
		"-serial", fmt.Sprintf("unix:%s,server,nowait", m.serialPath),
	}
	if m.def.MachineType != "" {
		args = append(args, "-machine", m.def.MachineType)
	}
	if m.def.MemoryMB > 0 {
		args = append(args, "-m", strconv.Itoa(m.def.MemoryMB))
	}
	if m.def.CPUs > 0 {
		args = append(args, "-smp", strconv.Itoa(m.def.CPUs))
	}
	for _, disk := range m.def.Disks {
		opt := "file=" + disk.Path
		if disk.Format != "" {
			opt += ",format=" + disk.Format
		}
		if disk.ReadOnly {
			opt += ",readonly=on"
		}
		args = append(args, "-drive", opt)
	}
	for i, nic := range m.def.NICs {
		id := fmt.Sprintf("net%d", i)
		netdev := nic.Netdev
		if netdev == "" {
			netdev = "user,id=" + id
		}
		args = append(args, "-netdev", netdev)
		dev := "virtio-net-pci"
		if nic.Model != "" {
			dev = nic.Model
		}
		devOpt := fmt.Sprintf("%s,netdev=%s", dev, id)
		if nic.MAC != "" {
			devOpt += ",mac=" + nic.MAC
		}
		args = append(args, "-device", devOpt)
	}
	return append(args, m.def.ExtraArgs...)
}

func (m *Machine) waitForMonitor() error {
	deadline := time.Now().Add(qmpDialTimeout * 5)
	for {
		mon, err := qmp.NewSocketMonitor("unix", m.monitorPath, qmpDialTimeout)
		if err == nil {
			if err = mon.Connect(); err == nil {
				m.mon = mon
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "qmp socket %s never came up", m.monitorPath)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (m *Machine) monitor() (*qmp.SocketMonitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mon == nil {
		return nil, errors.Errorf("vm %s has no monitor connection", m.name)
	}
	return m.mon, nil
}

func (m *Machine) run(command string, arguments interface{}) (json.RawMessage, error) {
	mon, err := m.monitor()
	if err != nil {
		return nil, err
	}
	req := struct {
		Execute   string      `json:"execute"`
		Arguments interface{} `json:"arguments,omitempty"`
	}{Execute: command, Arguments: arguments}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := mon.Run(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "qmp %s", command)
	}
	var resp struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrapf(err, "decoding %s response", command)
	}
	return resp.Return, nil
}

func (m *Machine) IsAlive() bool {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (m *Machine) IsDead() bool { return !m.IsAlive() }

func (m *Machine) IsPaused() bool {
	ret, err := m.run("query-status", nil)
	if err != nil {
		return false
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ret, &status); err != nil {
		return false
	}
	switch status.Status {
	case "paused", "prelaunch", "postmigrate", "inmigrate":
		return true
	}
	return false
}

func (m *Machine) Pause() error {
	_, err := m.run("stop", nil)
	return err
}

func (m *Machine) Resume() error {
	_, err := m.run("cont", nil)
	return err
}

func (m *Machine) Destroy(gracefully bool) error {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if gracefully {
		if _, err := m.run("system_powerdown", nil); err == nil && m.waitGone(shutdownGrace) {
			m.cleanup()
			return nil
		}
	} else {
		// quit lets qemu release its sockets before the kill below.
		m.run("quit", nil)
	}
	if !m.waitGone(2 * time.Second) {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Wrapf(err, "killing vm %s", m.name)
		}
	}
	m.cleanup()
	return nil
}

func (m *Machine) waitGone(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsDead() {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return m.IsDead()
}

func (m *Machine) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mon != nil {
		m.mon.Disconnect()
		m.mon = nil
	}
	m.cmd = nil
	os.Remove(m.monitorPath)
	os.Remove(m.serialPath)
}

func (m *Machine) Clone(name string) vm.VirtualMachine {
	clone, err := New(name, m.def, m.p)
	if err != nil {
		log.Log.Object(m).Reason(err).Errorf("cloning as %s", name)
		return nil
	}
	return clone
}

func (m *Machine) Migrate(opts vm.MigrateOptions) error {
	uri := opts.URI
	if opts.Protocol == vm.FD {
		if opts.File == nil {
			return errors.New("fd migration carries no descriptor")
		}
		if err := m.sendFD(migrateFDName, opts.File); err != nil {
			return err
		}
		uri = "fd:" + migrateFDName
	}
	_, err := m.run("migrate", map[string]interface{}{"uri": uri})
	return err
}

// sendFD passes a descriptor to qemu with the getfd command. The go-qemu
// monitor cannot attach ancillary data, so this opens a one-shot QMP
// connection of its own and does the handshake by hand.
func (m *Machine) sendFD(name string, file *os.File) error {
	raddr := &net.UnixAddr{Name: m.monitorPath, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return errors.Wrap(err, "dialing qmp for fd passing")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(qmpDialTimeout * 2))

	dec := json.NewDecoder(conn)
	var greeting map[string]interface{}
	if err := dec.Decode(&greeting); err != nil {
		return errors.Wrap(err, "reading qmp greeting")
	}
	if _, err := conn.Write([]byte(`{"execute": "qmp_capabilities"}` + "\n")); err != nil {
		return err
	}
	if err := readReturn(dec); err != nil {
		return errors.Wrap(err, "qmp_capabilities")
	}

	cmd := fmt.Sprintf(`{"execute": "getfd", "arguments": {"fdname": %q}}`+"\n", name)
	rights := syscall.UnixRights(int(file.Fd()))
	if _, _, err := conn.WriteMsgUnix([]byte(cmd), rights, nil); err != nil {
		return errors.Wrap(err, "sending descriptor")
	}
	if err := readReturn(dec); err != nil {
		return errors.Wrap(err, "getfd")
	}
	return nil
}

func readReturn(dec *json.Decoder) error {
	for {
		var msg struct {
			Return json.RawMessage        `json:"return"`
			Error  map[string]interface{} `json:"error"`
			Event  string                 `json:"event"`
		}
		if err := dec.Decode(&msg); err != nil {
			return err
		}
		if msg.Event != "" {
			continue
		}
		if msg.Error != nil {
			return errors.Errorf("qmp error: %v", msg.Error["desc"])
		}
		return nil
	}
}

func (m *Machine) CancelMigration() error {
	_, err := m.run("migrate_cancel", nil)
	return err
}

func (m *Machine) Monitor() vm.Monitor { return (*qmpMonitor)(m) }

func (m *Machine) MigrationPort() int { return m.migPort }

// SaveStateToFile streams the machine state through an exec migration into
// a file, the hypervisor-level primitive behind the stability check.
func (m *Machine) SaveStateToFile(path string) error {
	uri := fmt.Sprintf("exec:cat > %s", path)
	if _, err := m.run("migrate", map[string]interface{}{"uri": uri}); err != nil {
		return err
	}
	deadline := time.Now().Add(saveStateTimeout)
	for time.Now().Before(deadline) {
		info, err := m.Monitor().Info("migrate")
		if err != nil {
			return err
		}
		switch fmt.Sprintf("%v", info.Structured["status"]) {
		case "completed":
			return nil
		case "failed":
			return errors.Errorf("saving state of %s to %s failed", m.name, path)
		}
		time.Sleep(500 * time.Millisecond)
	}
	return errors.Errorf("saving state of %s timed out", m.name)
}

func (m *Machine) WaitForLogin(timeout time.Duration) (console.Session, error) {
	address := m.p.Get("guest_address_"+m.name, m.p.Get("guest_address", m.name))
	port := m.p.GetInt("ssh_port", 22)
	username := m.p.Get("username", "root")
	password := m.p.Get("password", "")

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		session, err := console.NewSSHSession(address, port, username, password, time.Minute)
		if err == nil {
			return session, nil
		}
		lastErr = err
		time.Sleep(2 * time.Second)
	}
	return nil, errors.Wrapf(lastErr, "no ssh login on %s within %v", m.name, timeout)
}

func (m *Machine) WaitForSerialLogin(timeout time.Duration) (console.Session, error) {
	username := m.p.Get("username", "root")
	password := m.p.Get("password", "")
	return console.NewSerialSession(m.serialPath, username, password, timeout)
}

// qmpMonitor adapts the QMP socket to the generic monitor interface.
type qmpMonitor Machine

func (q *qmpMonitor) Info(topic string) (vm.InfoResult, error) {
	ret, err := (*Machine)(q).run("query-"+topic, nil)
	if err != nil {
		return vm.InfoResult{}, err
	}
	var structured map[string]interface{}
	if err := json.Unmarshal(ret, &structured); err != nil {
		return vm.InfoResult{Raw: string(ret)}, nil
	}
	return vm.InfoResult{Structured: structured, Raw: string(ret)}, nil
}

func (q *qmpMonitor) HumanCommand(cmd string) (string, error) {
	ret, err := (*Machine)(q).run("human-monitor-command", map[string]interface{}{"command-line": cmd})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(ret, &out); err != nil {
		return string(ret), nil
	}
	return out, nil
}

func (q *qmpMonitor) SetMigrationCapability(name string, enabled bool) error {
	_, err := (*Machine)(q).run("migrate-set-capabilities", map[string]interface{}{
		"capabilities": []map[string]interface{}{
			{"capability": name, "state": enabled},
		},
	})
	return err
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "probing for a free port")
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
