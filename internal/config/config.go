package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, options := range [][]ConfigOption{
		ServerOptions,
		KernelOptions,
		ResponseOptions,
		DistributedOptions,
		YarnOptions,
		ContainerOptions,
		CRDOptions,
		KubernetesOptions,
	} {
		for _, o := range options {
			v.SetDefault(o.Key, o.Default)
		}
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kernel-provisioner/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("GP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerAddress() string {
	return c.v.GetString(KeyServerAddress) // GP_SERVER_ADDRESS
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(KeyServerAllowedOrigins) // GP_SERVER_ALLOWED_ORIGINS
}

func (c *Config) ServerDebugEnabled() bool {
	return c.v.GetBool(KeyServerDebugEnabled) // GP_SERVER_DEBUG_ENABLED
}

func (c *Config) AuthorizedUsers() []string {
	return c.v.GetStringSlice(KeyAuthorizedUsers) // GP_KERNEL_AUTHORIZED_USERS
}

func (c *Config) UnauthorizedUsers() []string {
	return c.v.GetStringSlice(KeyUnauthorizedUsers) // GP_KERNEL_UNAUTHORIZED_USERS
}

func (c *Config) PortRange() string {
	return c.v.GetString(KeyPortRange) // GP_KERNEL_PORT_RANGE
}

func (c *Config) LaunchTimeout() time.Duration {
	return c.v.GetDuration(KeyLaunchTimeout) // GP_KERNEL_LAUNCH_TIMEOUT
}

func (c *Config) PollInterval() time.Duration {
	return c.v.GetDuration(KeyPollInterval) // GP_KERNEL_POLL_INTERVAL
}

func (c *Config) MaxPollAttempts() int {
	return c.v.GetInt(KeyMaxPollAttempts) // GP_KERNEL_MAX_POLL_ATTEMPTS
}

func (c *Config) SocketTimeout() time.Duration {
	return c.v.GetDuration(KeySocketTimeout) // GP_KERNEL_SOCKET_TIMEOUT
}

func (c *Config) TunnelingEnabled() bool {
	return c.v.GetBool(KeyTunnelingEnabled) // GP_KERNEL_TUNNELING_ENABLED
}

func (c *Config) SSHPort() int {
	return c.v.GetInt(KeySSHPort) // GP_KERNEL_SSH_PORT
}

func (c *Config) KernelLogDir() string {
	return c.v.GetString(KeyKernelLogDir) // GP_KERNEL_LOG_DIR
}

func (c *Config) KernelSpecDirs() []string {
	return c.v.GetStringSlice(KeyKernelSpecDirs) // GP_KERNEL_SPEC_DIRS
}

func (c *Config) DefaultBackend() string {
	return c.v.GetString(KeyDefaultBackend) // GP_KERNEL_DEFAULT_BACKEND
}

func (c *Config) ResponseIP() string {
	return c.v.GetString(KeyResponseIP) // GP_RESPONSE_IP
}

func (c *Config) ResponsePort() int {
	return c.v.GetInt(KeyResponsePort) // GP_RESPONSE_PORT
}

func (c *Config) ResponsePortRetries() int {
	return c.v.GetInt(KeyResponsePortRetries) // GP_RESPONSE_PORT_RETRIES
}

func (c *Config) ResponseAddrAny() bool {
	return c.v.GetBool(KeyResponseAddrAny) // GP_RESPONSE_ADDR_ANY
}

func (c *Config) ProhibitedLocalIPs() []string {
	return c.v.GetStringSlice(KeyProhibitedLocalIPs) // GP_RESPONSE_PROHIBITED_LOCAL_IPS
}

func (c *Config) RemoteHosts() []string {
	return c.v.GetStringSlice(KeyRemoteHosts) // GP_DISTRIBUTED_REMOTE_HOSTS
}

func (c *Config) LoadBalancingAlgorithm() string {
	return c.v.GetString(KeyLoadBalancingAlgorithm) // GP_DISTRIBUTED_LOAD_BALANCING_ALGORITHM
}

func (c *Config) RemoteUser() string {
	return c.v.GetString(KeyRemoteUser) // GP_DISTRIBUTED_REMOTE_USER
}

func (c *Config) RemotePwd() string {
	return c.v.GetString(KeyRemotePwd) // GP_DISTRIBUTED_REMOTE_PWD
}

func (c *Config) RemoteGSSSSH() bool {
	return c.v.GetBool(KeyRemoteGSSSSH) // GP_DISTRIBUTED_REMOTE_GSS_SSH
}

func (c *Config) YarnEndpoint() string {
	return c.v.GetString(KeyYarnEndpoint) // GP_YARN_ENDPOINT
}

func (c *Config) AltYarnEndpoint() string {
	return c.v.GetString(KeyAltYarnEndpoint) // GP_YARN_ALT_ENDPOINT
}

func (c *Config) YarnEndpointSecurityEnabled() bool {
	return c.v.GetBool(KeyYarnEndpointSecurityEnabled) // GP_YARN_ENDPOINT_SECURITY_ENABLED
}

func (c *Config) ImpersonationEnabled() bool {
	return c.v.GetBool(KeyImpersonationEnabled) // GP_YARN_IMPERSONATION_ENABLED
}

func (c *Config) YarnShutdownWaitTime() time.Duration {
	return c.v.GetDuration(KeyYarnShutdownWaitTime) // GP_YARN_SHUTDOWN_WAIT_TIME
}

func (c *Config) ImageName() string {
	return c.v.GetString(KeyImageName) // GP_CONTAINER_IMAGE_NAME
}

func (c *Config) ExecutorImageName() string {
	if name := c.v.GetString(KeyExecutorImageName); name != "" {
		return name // GP_CONTAINER_EXECUTOR_IMAGE_NAME
	}
	return c.ImageName()
}

func (c *Config) ProhibitedUIDs() []string {
	return c.v.GetStringSlice(KeyProhibitedUIDs) // GP_CONTAINER_PROHIBITED_UIDS
}

func (c *Config) ProhibitedGIDs() []string {
	return c.v.GetStringSlice(KeyProhibitedGIDs) // GP_CONTAINER_PROHIBITED_GIDS
}

func (c *Config) MirrorWorkingDirs() bool {
	return c.v.GetBool(KeyMirrorWorkingDirs) // GP_CONTAINER_MIRROR_WORKING_DIRS
}

func (c *Config) DockerNetwork() string {
	return c.v.GetString(KeyDockerNetwork) // GP_CONTAINER_DOCKER_NETWORK
}

func (c *Config) CRDGroup() string {
	return c.v.GetString(KeyCRDGroup) // GP_CRD_GROUP
}

func (c *Config) CRDVersion() string {
	return c.v.GetString(KeyCRDVersion) // GP_CRD_VERSION
}

func (c *Config) CRDPlural() string {
	return c.v.GetString(KeyCRDPlural) // GP_CRD_PLURAL
}

func (c *Config) KernelNamespace() string {
	return c.v.GetString(KeyKernelNamespace) // GP_KUBERNETES_NAMESPACE
}

func (c *Config) SharedNamespace() bool {
	return c.v.GetBool(KeySharedNamespace) // GP_KUBERNETES_SHARED_NAMESPACE
}

func (c *Config) KernelServiceAccountName() string {
	return c.v.GetString(KeyKernelServiceAccountName) // GP_KUBERNETES_KERNEL_SERVICE_ACCOUNT_NAME
}

func (c *Config) KernelClusterRole() string {
	return c.v.GetString(KeyKernelClusterRole) // GP_KUBERNETES_KERNEL_CLUSTER_ROLE
}

func (c *Config) AppName() string {
	return c.v.GetString(KeyAppName) // GP_KUBERNETES_APP_NAME
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	flag = strings.TrimPrefix(flag, "kernel-")
	flag = strings.TrimPrefix(flag, "distributed-")
	return flag
}
