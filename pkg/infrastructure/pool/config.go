package pool

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type PurgePolicy string

const (
	PurgeEntirePool             PurgePolicy = "EntirePool"
	PurgeFailingConnectionOnly  PurgePolicy = "FailingConnectionOnly"
	PurgeValidateAllConnections PurgePolicy = "ValidateAllConnections"
)

// Config holds the connection pool properties.
type Config struct {
	Name string `yaml:"name"`

	// MaxConnections of 0 means unlimited.
	MaxConnections int `yaml:"maxConnections"`
	MinConnections int `yaml:"minConnections"`
	// ConnectionTimeout bounds the wait for a connection, 0 fails at once and a negative value waits forever.
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	ReapTime          time.Duration `yaml:"reapTime"`
	UnusedTimeout     time.Duration `yaml:"unusedTimeout"`
	AgedTimeout       time.Duration `yaml:"agedTimeout"`
	// CreateRetryTimeout enables retrying physical connection creation with backoff.
	CreateRetryTimeout time.Duration `yaml:"createRetryTimeout"`

	PurgePolicy         PurgePolicy `yaml:"purgePolicy"`
	MaxFreePoolHashSize int         `yaml:"maxFreePoolHashSize"`
	MaxSharedBuckets    int         `yaml:"maxSharedBuckets"`

	TestConnection        bool `yaml:"testConnection"`
	LogMissingTranContext bool `yaml:"logMissingTranContext"`
	RRSTransactional      bool `yaml:"rrsTransactional"`
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:        50,
		ConnectionTimeout:     30 * time.Second,
		ReapTime:              180 * time.Second,
		UnusedTimeout:         1800 * time.Second,
		PurgePolicy:           PurgeEntirePool,
		MaxFreePoolHashSize:   50,
		MaxSharedBuckets:      200,
		LogMissingTranContext: true,
	}
}

// LoadConfig decodes yaml pool properties on top of DefaultConfig.
func LoadConfig(r io.Reader) (Config, error) {
	config := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode pool config")
	}
	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.MaxConnections < 0 {
		return errors.Errorf("maxConnections must not be negative, got %d", c.MaxConnections)
	}
	if c.MinConnections < 0 {
		return errors.Errorf("minConnections must not be negative, got %d", c.MinConnections)
	}
	if c.MaxConnections > 0 && c.MinConnections > c.MaxConnections {
		return errors.Errorf("minConnections %d exceeds maxConnections %d", c.MinConnections, c.MaxConnections)
	}
	if c.MaxFreePoolHashSize <= 0 {
		return errors.Errorf("maxFreePoolHashSize must be positive, got %d", c.MaxFreePoolHashSize)
	}
	if c.MaxSharedBuckets <= 0 {
		return errors.Errorf("maxSharedBuckets must be positive, got %d", c.MaxSharedBuckets)
	}
	switch c.PurgePolicy {
	case PurgeEntirePool, PurgeFailingConnectionOnly, PurgeValidateAllConnections:
	default:
		return errors.Errorf("unknown purgePolicy %q", c.PurgePolicy)
	}
	return nil
}

type SharingScope string

const (
	Shareable   SharingScope = "Shareable"
	Unshareable SharingScope = "Unshareable"
)

type AuthType string

const (
	AuthContainer   AuthType = "Container"
	AuthApplication AuthType = "Application"
)

// ResourceRef holds the resource reference settings a connection manager is created for.
type ResourceRef struct {
	Name                   string                   `yaml:"name"`
	SharingScope           SharingScope             `yaml:"sharingScope"`
	IsolationLevel         int                      `yaml:"isolationLevel"`
	Auth                   AuthType                 `yaml:"auth"`
	LoginConfigurationName string                   `yaml:"loginConfigurationName"`
	LoginConfigProperties  map[string]string        `yaml:"loginConfigProperties"`
	CommitPriority         int                      `yaml:"commitPriority"`
	BranchCoupling         connector.BranchCoupling `yaml:"branchCoupling"`
}

func DefaultResourceRef() ResourceRef {
	return ResourceRef{
		SharingScope:   Shareable,
		Auth:           AuthContainer,
		BranchCoupling: connector.BranchCouplingUnset,
	}
}

func LoadResourceRef(r io.Reader) (ResourceRef, error) {
	ref := DefaultResourceRef()
	if err := yaml.NewDecoder(r).Decode(&ref); err != nil && !errors.Is(err, io.EOF) {
		return ResourceRef{}, errors.Wrap(err, "decode resource reference")
	}
	return ref, nil
}

func (r ResourceRef) Shareable() bool {
	return r.SharingScope != Unshareable
}

func (r ResourceRef) ContainerManagedAuth() bool {
	return r.Auth != AuthApplication
}

// Key is the canonical encoding of the settings.
func (r ResourceRef) Key() string {
	keys := make([]string, 0, len(r.LoginConfigProperties))
	for k := range r.LoginConfigProperties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	props := make([]string, 0, len(keys))
	for _, k := range keys {
		props = append(props, k+"="+r.LoginConfigProperties[k])
	}

	return fmt.Sprintf(
		"sharing=%t;isolation=%d;containerAuth=%t;login=%s;props={%s};commitPriority=%d;branchCoupling=%s",
		r.Shareable(),
		r.IsolationLevel,
		r.ContainerManagedAuth(),
		r.LoginConfigurationName,
		strings.Join(props, ","),
		r.CommitPriority,
		r.BranchCoupling,
	)
}

// CFDetailsKey identifies a connection manager: resource identity plus reference settings.
func CFDetailsKey(resourceID string, ref ResourceRef) string {
	return resourceID + "|" + ref.Key()
}
