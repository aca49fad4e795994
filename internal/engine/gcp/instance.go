package gcp

import (
	"errors"
	"fmt"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"
)

const (
	jitMetadataKey = "ACTIONS_RUNNER_INPUT_JITCONFIG"
	cloudPlatform  = "https://www.googleapis.com/auth/cloud-platform"

	// LabelManagedBy is set on every runner VM.
	LabelManagedBy = "oneshot-managed-by"
)

// Config is the engine.gcp section of the config file.
type Config struct {
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`

	// MachineType defaults to e2-medium.
	MachineType string `yaml:"machine_type"`

	// Image is the runner boot image, either a concrete image or a
	// family, e.g. projects/p/global/images/family/runner.
	Image string `yaml:"image"`

	// DiskSizeGB defaults to 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network defaults to "default". Subnet is optional.
	Network string `yaml:"network"`
	Subnet  string `yaml:"subnet"`

	// PublicIP attaches an ephemeral external address. Unset means yes.
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is attached to the VM when set.
	ServiceAccount string `yaml:"service_account"`

	// Labels are added to every runner VM next to LabelManagedBy.
	Labels map[string]string `yaml:"labels"`
}

func (c *Config) applyDefaults() {
	if c.MachineType == "" {
		c.MachineType = "e2-medium"
	}
	if c.DiskSizeGB == 0 {
		c.DiskSizeGB = 50
	}
	if c.Network == "" {
		c.Network = "default"
	}
	if c.PublicIP == nil {
		c.PublicIP = proto.Bool(true)
	}
}

// Validate reports every missing or invalid field.
func (c *Config) Validate() error {
	var missing []error
	for _, f := range []struct{ key, val string }{
		{"project", c.Project},
		{"zone", c.Zone},
		{"image", c.Image},
	} {
		if f.val == "" {
			missing = append(missing, fmt.Errorf("engine.gcp.%s is required", f.key))
		}
	}
	if c.DiskSizeGB < 0 {
		missing = append(missing, fmt.Errorf("engine.gcp.disk_size_gb must be positive (got %d)", c.DiskSizeGB))
	}
	return errors.Join(missing...)
}

// instance describes the VM for runner name. The JIT config travels in
// instance metadata where the image's startup script picks it up.
func (c *Config) instance(name, jitConfig string) *computepb.Instance {
	nic := &computepb.NetworkInterface{
		Network: proto.String("global/networks/" + c.Network),
	}
	if c.Subnet != "" {
		nic.Subnetwork = proto.String(c.Subnet)
	}
	if c.PublicIP == nil || *c.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{{
			Name: proto.String("External NAT"),
			Type: proto.String(computepb.AccessConfig_ONE_TO_ONE_NAT.String()),
		}}
	}

	labels := map[string]string{LabelManagedBy: "oneshot"}
	for k, v := range c.Labels {
		labels[k] = v
	}

	inst := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", c.Zone, c.MachineType)),
		Labels:      labels,
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(c.Image),
				DiskSizeGb:  proto.Int64(c.DiskSizeGB),
				DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", c.Zone)),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{{
				Key:   proto.String(jitMetadataKey),
				Value: proto.String(jitConfig),
			}},
		},
		// A runner VM is never restarted; a host event simply ends it.
		Scheduling: &computepb.Scheduling{
			AutomaticRestart: proto.Bool(false),
		},
	}

	if c.ServiceAccount != "" {
		inst.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(c.ServiceAccount),
			Scopes: []string{cloudPlatform},
		}}
	}
	return inst
}
