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

// Package libvirt provides a VirtualMachine handle for domains managed by
// libvirtd. Incoming migration setup is delegated to libvirt itself, so the
// destination side of most transports is a no-op here.
package libvirt

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	libvirtgo "libvirt.org/go/libvirt"

	"virtmig.io/virtmig/pkg/console"
	"virtmig.io/virtmig/pkg/log"
	"virtmig.io/virtmig/pkg/params"
	"virtmig.io/virtmig/pkg/vm"
)

const shutdownGrace = 30 * time.Second

// Connect opens a libvirt connection for the given URI, defaulting to the
// local system daemon.
func Connect(uri string) (*libvirtgo.Connect, error) {
	if uri == "" {
		uri = "qemu:///system"
	}
	conn, err := libvirtgo.NewConnect(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to libvirt at %s", uri)
	}
	return conn, nil
}

// Domain is a libvirt-managed VM handle.
type Domain struct {
	conn *libvirtgo.Connect
	name string
	def  *vm.Definition
	p    params.Params
}

func New(conn *libvirtgo.Connect, name string, def *vm.Definition, p params.Params) *Domain {
	d := *def
	d.Name = name
	return &Domain{conn: conn, name: name, def: &d, p: p}
}

func (d *Domain) Name() string { return d.name }
func (d *Domain) Kind() string { return "LibvirtDomain" }

func (d *Domain) Definition() *vm.Definition { return d.def }

func (d *Domain) lookup() (*libvirtgo.Domain, error) {
	dom, err := d.conn.LookupDomainByName(d.name)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up domain %s", d.name)
	}
	return dom, nil
}

func (d *Domain) Start(incoming *vm.IncomingSpec) error {
	if incoming != nil {
		// libvirtd prepares the destination domain itself during a
		// peer-to-peer migration, nothing to launch on this side.
		switch incoming.Protocol {
		case vm.TCP, vm.RDMA, vm.XRDMA:
			return nil
		default:
			return errors.Errorf("protocol %s is not supported for libvirt-managed domains", incoming.Protocol)
		}
	}
	dom, err := d.conn.DomainDefineXML(d.domainXML())
	if err != nil {
		return errors.Wrapf(err, "defining domain %s", d.name)
	}
	defer dom.Free()
	if err := dom.Create(); err != nil {
		return errors.Wrapf(err, "starting domain %s", d.name)
	}
	return nil
}

func (d *Domain) domainXML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<domain type='kvm'>\n")
	fmt.Fprintf(&b, "  <name>%s</name>\n", d.name)
	fmt.Fprintf(&b, "  <memory unit='MiB'>%d</memory>\n", d.def.MemoryMB)
	fmt.Fprintf(&b, "  <vcpu>%d</vcpu>\n", d.def.CPUs)
	machine := d.def.MachineType
	if machine == "" {
		machine = "pc"
	}
	fmt.Fprintf(&b, "  <os><type machine='%s'>hvm</type></os>\n", machine)
	fmt.Fprintf(&b, "  <devices>\n")
	for i, disk := range d.def.Disks {
		format := disk.Format
		if format == "" {
			format = "raw"
		}
		fmt.Fprintf(&b, "    <disk type='file' device='disk'>\n")
		fmt.Fprintf(&b, "      <driver name='qemu' type='%s'/>\n", format)
		fmt.Fprintf(&b, "      <source file='%s'/>\n", disk.Path)
		fmt.Fprintf(&b, "      <target dev='vd%c' bus='virtio'/>\n", 'a'+i)
		if disk.ReadOnly {
			fmt.Fprintf(&b, "      <readonly/>\n")
		}
		fmt.Fprintf(&b, "    </disk>\n")
	}
	for _, nic := range d.def.NICs {
		fmt.Fprintf(&b, "    <interface type='network'>\n")
		fmt.Fprintf(&b, "      <source network='default'/>\n")
		if nic.MAC != "" {
			fmt.Fprintf(&b, "      <mac address='%s'/>\n", nic.MAC)
		}
		if nic.Model != "" {
			fmt.Fprintf(&b, "      <model type='%s'/>\n", nic.Model)
		}
		fmt.Fprintf(&b, "    </interface>\n")
	}
	if d.def.SerialSocket != "" {
		fmt.Fprintf(&b, "    <serial type='unix'>\n")
		fmt.Fprintf(&b, "      <source mode='bind' path='%s'/>\n", d.def.SerialSocket)
		fmt.Fprintf(&b, "    </serial>\n")
	}
	fmt.Fprintf(&b, "  </devices>\n")
	fmt.Fprintf(&b, "</domain>\n")
	return b.String()
}

func (d *Domain) IsAlive() bool {
	dom, err := d.lookup()
	if err != nil {
		return false
	}
	defer dom.Free()
	active, err := dom.IsActive()
	return err == nil && active
}

func (d *Domain) IsDead() bool { return !d.IsAlive() }

func (d *Domain) IsPaused() bool {
	dom, err := d.lookup()
	if err != nil {
		return false
	}
	defer dom.Free()
	state, _, err := dom.GetState()
	return err == nil && state == libvirtgo.DOMAIN_PAUSED
}

func (d *Domain) Pause() error {
	dom, err := d.lookup()
	if err != nil {
		return err
	}
	defer dom.Free()
	return errors.Wrapf(dom.Suspend(), "pausing domain %s", d.name)
}

func (d *Domain) Resume() error {
	dom, err := d.lookup()
	if err != nil {
		return err
	}
	defer dom.Free()
	return errors.Wrapf(dom.Resume(), "resuming domain %s", d.name)
}

func (d *Domain) Destroy(gracefully bool) error {
	dom, err := d.lookup()
	if err != nil {
		// already gone
		return nil
	}
	defer dom.Free()
	if gracefully {
		if err := dom.Shutdown(); err == nil && d.waitGone(shutdownGrace) {
			d.undefine(dom)
			return nil
		}
	}
	if err := dom.DestroyFlags(0); err != nil {
		if d.IsAlive() {
			return errors.Wrapf(err, "destroying domain %s", d.name)
		}
	}
	d.undefine(dom)
	return nil
}

func (d *Domain) undefine(dom *libvirtgo.Domain) {
	if err := dom.Undefine(); err != nil {
		log.Log.Object(d).Reason(err).V(3).Infof("undefine failed")
	}
}

func (d *Domain) waitGone(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.IsDead() {
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return d.IsDead()
}

func (d *Domain) Clone(name string) vm.VirtualMachine {
	return New(d.conn, name, d.def, d.p)
}

func (d *Domain) Migrate(opts vm.MigrateOptions) error {
	uri, err := migrationURI(opts)
	if err != nil {
		return err
	}
	dom, err := d.lookup()
	if err != nil {
		return err
	}
	defer dom.Free()
	flags := libvirtgo.MIGRATE_LIVE | libvirtgo.MIGRATE_PEER2PEER
	if err := dom.MigrateToURI(uri, flags, d.name, 0); err != nil {
		return errors.Wrapf(err, "migrating domain %s to %s", d.name, uri)
	}
	return nil
}

// migrationURI maps the generic transport addressing onto libvirt's
// migration URI scheme.
func migrationURI(opts vm.MigrateOptions) (string, error) {
	switch opts.Protocol {
	case vm.TCP:
		return "tcp://" + strings.TrimPrefix(opts.URI, "tcp:"), nil
	case vm.RDMA, vm.XRDMA:
		return "rdma://" + strings.TrimPrefix(opts.URI, "rdma:"), nil
	case vm.Unix:
		return "unix://" + strings.TrimPrefix(opts.URI, "unix:"), nil
	default:
		return "", errors.Errorf("protocol %s is not supported for libvirt-managed domains", opts.Protocol)
	}
}

func (d *Domain) CancelMigration() error {
	dom, err := d.lookup()
	if err != nil {
		return err
	}
	defer dom.Free()
	return errors.Wrapf(dom.AbortJob(), "aborting migration of %s", d.name)
}

func (d *Domain) Monitor() vm.Monitor { return (*jobMonitor)(d) }

func (d *Domain) MigrationPort() int {
	return d.p.GetInt("mig_port", 49152)
}

func (d *Domain) SaveStateToFile(path string) error {
	dom, err := d.lookup()
	if err != nil {
		return err
	}
	defer dom.Free()
	return errors.Wrapf(dom.Save(path), "saving domain %s to %s", d.name, path)
}

func (d *Domain) WaitForLogin(timeout time.Duration) (console.Session, error) {
	address := d.p.Get("guest_address_"+d.name, d.p.Get("guest_address", d.name))
	port := d.p.GetInt("ssh_port", 22)
	username := d.p.Get("username", "root")
	password := d.p.Get("password", "")

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
	return nil, errors.Wrapf(lastErr, "no ssh login on %s within %v", d.name, timeout)
}

func (d *Domain) WaitForSerialLogin(timeout time.Duration) (console.Session, error) {
	if d.def.SerialSocket == "" {
		return nil, errors.Errorf("domain %s has no serial socket", d.name)
	}
	username := d.p.Get("username", "root")
	password := d.p.Get("password", "")
	return console.NewSerialSession(d.def.SerialSocket, username, password, timeout)
}

// jobMonitor translates libvirt job state into the generic monitor view.
type jobMonitor Domain

func (j *jobMonitor) Info(topic string) (vm.InfoResult, error) {
	if topic != "migrate" {
		return vm.InfoResult{}, errors.Errorf("unsupported info topic %q", topic)
	}
	d := (*Domain)(j)
	dom, err := d.lookup()
	if err != nil {
		return vm.InfoResult{}, err
	}
	defer dom.Free()
	info, err := dom.GetJobInfo()
	if err != nil {
		return vm.InfoResult{}, errors.Wrapf(err, "querying job info of %s", d.name)
	}
	status := jobStatus(info.Type)
	return vm.InfoResult{
		Structured: map[string]interface{}{
			"status":    status,
			"total":     info.DataTotal,
			"remaining": info.DataRemaining,
			"processed": info.DataProcessed,
		},
		Raw: fmt.Sprintf("status: %s", status),
	}, nil
}

func jobStatus(t libvirtgo.DomainJobType) string {
	switch t {
	case libvirtgo.DOMAIN_JOB_BOUNDED, libvirtgo.DOMAIN_JOB_UNBOUNDED:
		return "active"
	case libvirtgo.DOMAIN_JOB_COMPLETED:
		return "completed"
	case libvirtgo.DOMAIN_JOB_FAILED:
		return "failed"
	case libvirtgo.DOMAIN_JOB_CANCELLED:
		return "cancelled"
	default:
		return "none"
	}
}

func (j *jobMonitor) HumanCommand(cmd string) (string, error) {
	d := (*Domain)(j)
	dom, err := d.lookup()
	if err != nil {
		return "", err
	}
	defer dom.Free()
	out, err := dom.QemuMonitorCommand(cmd, libvirtgo.DOMAIN_QEMU_MONITOR_COMMAND_HMP)
	if err != nil {
		return "", errors.Wrapf(err, "monitor command %q on %s", cmd, d.name)
	}
	return out, nil
}

func (j *jobMonitor) SetMigrationCapability(name string, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	_, err := j.HumanCommand(fmt.Sprintf("migrate_set_capability %s %s", name, state))
	return err
}
