package config

import "time"

type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyServerAddress        = "server.address"
	KeyServerAllowedOrigins = "server.allowed_origins"
	KeyServerDebugEnabled   = "server.debug.enabled"
)

const (
	KeyAuthorizedUsers   = "kernel.authorized_users"
	KeyUnauthorizedUsers = "kernel.unauthorized_users"
	KeyPortRange         = "kernel.port_range"
	KeyLaunchTimeout     = "kernel.launch_timeout"
	KeyPollInterval      = "kernel.poll_interval"
	KeyMaxPollAttempts   = "kernel.max_poll_attempts"
	KeySocketTimeout     = "kernel.socket_timeout"
	KeyTunnelingEnabled  = "kernel.tunneling_enabled"
	KeySSHPort           = "kernel.ssh_port"
	KeyKernelLogDir      = "kernel.log_dir"
	KeyKernelSpecDirs    = "kernel.spec_dirs"
	KeyDefaultBackend    = "kernel.default_backend"
)

const (
	KeyResponseIP          = "response.ip"
	KeyResponsePort        = "response.port"
	KeyResponsePortRetries = "response.port_retries"
	KeyResponseAddrAny     = "response.addr_any"
	KeyProhibitedLocalIPs  = "response.prohibited_local_ips"
)

const (
	KeyRemoteHosts            = "distributed.remote_hosts"
	KeyLoadBalancingAlgorithm = "distributed.load_balancing_algorithm"
	KeyRemoteUser             = "distributed.remote_user"
	KeyRemotePwd              = "distributed.remote_pwd"
	KeyRemoteGSSSSH           = "distributed.remote_gss_ssh"
)

const (
	KeyYarnEndpoint                = "yarn.endpoint"
	KeyAltYarnEndpoint             = "yarn.alt_endpoint"
	KeyYarnEndpointSecurityEnabled = "yarn.endpoint_security_enabled"
	KeyImpersonationEnabled        = "yarn.impersonation_enabled"
	KeyYarnShutdownWaitTime        = "yarn.shutdown_wait_time"
)

const (
	KeyImageName         = "container.image_name"
	KeyExecutorImageName = "container.executor_image_name"
	KeyProhibitedUIDs    = "container.prohibited_uids"
	KeyProhibitedGIDs    = "container.prohibited_gids"
	KeyMirrorWorkingDirs = "container.mirror_working_dirs"
	KeyDockerNetwork     = "container.docker_network"
)

const (
	KeyCRDGroup   = "crd.group"
	KeyCRDVersion = "crd.version"
	KeyCRDPlural  = "crd.plural"
)

const (
	KeyKernelNamespace          = "kubernetes.namespace"
	KeySharedNamespace          = "kubernetes.shared_namespace"
	KeyKernelServiceAccountName = "kubernetes.kernel_service_account_name"
	KeyKernelClusterRole        = "kubernetes.kernel_cluster_role"
	KeyAppName                  = "kubernetes.app_name"
)

var ServerOptions = []ConfigOption{
	{Key: KeyServerAddress, Flag: flag(KeyServerAddress), Default: ":8888", Description: "Server listen address"},
	{Key: KeyServerAllowedOrigins, Flag: flag(KeyServerAllowedOrigins), Default: []string{}, Description: "Server allowed origins"},
	{Key: KeyServerDebugEnabled, Flag: flag(KeyServerDebugEnabled), Default: false, Description: "Server debug enabled"},
}

var KernelOptions = []ConfigOption{
	{Key: KeyAuthorizedUsers, Flag: flag(KeyAuthorizedUsers), Default: []string{}, Description: "Users allowed to launch kernels (empty allows all)"},
	{Key: KeyUnauthorizedUsers, Flag: flag(KeyUnauthorizedUsers), Default: []string{"root"}, Description: "Users denied from launching kernels (takes precedence)"},
	{Key: KeyPortRange, Flag: flag(KeyPortRange), Default: "0..0", Description: "Port range 'lo..hi' from which kernel ports are selected"},
	{Key: KeyLaunchTimeout, Flag: flag(KeyLaunchTimeout), Default: 30 * time.Second, Description: "Max wall-clock time to confirm remote kernel startup"},
	{Key: KeyPollInterval, Flag: flag(KeyPollInterval), Default: 500 * time.Millisecond, Description: "Interval between startup/termination poll attempts"},
	{Key: KeyMaxPollAttempts, Flag: flag(KeyMaxPollAttempts), Default: 10, Description: "Poll attempts before escalating termination"},
	{Key: KeySocketTimeout, Flag: flag(KeySocketTimeout), Default: 10 * time.Millisecond, Description: "Timeout for comm-port socket operations"},
	{Key: KeyTunnelingEnabled, Flag: flag(KeyTunnelingEnabled), Default: false, Description: "Tunnel kernel ports over SSH"},
	{Key: KeySSHPort, Flag: flag(KeySSHPort), Default: 22, Description: "SSH port used for remote launch and tunneling"},
	{Key: KeyKernelLogDir, Flag: flag(KeyKernelLogDir), Default: "/tmp", Description: "Directory for per-kernel log files"},
	{Key: KeyKernelSpecDirs, Flag: flag(KeyKernelSpecDirs), Default: []string{"/usr/local/share/jupyter/kernels"}, Description: "Directories searched for kernel specifications"},
	{Key: KeyDefaultBackend, Flag: flag(KeyDefaultBackend), Default: "distributed", Description: "Backend used when a kernel spec names none"},
}

var ResponseOptions = []ConfigOption{
	{Key: KeyResponseIP, Flag: flag(KeyResponseIP), Default: "", Description: "IP on which launcher responses are received (default: first public IP)"},
	{Key: KeyResponsePort, Flag: flag(KeyResponsePort), Default: 8877, Description: "Port on which launcher responses are received"},
	{Key: KeyResponsePortRetries, Flag: flag(KeyResponsePortRetries), Default: 10, Description: "Additional ports to try if the response port is in use"},
	{Key: KeyResponseAddrAny, Flag: flag(KeyResponseAddrAny), Default: false, Description: "Listen on all addresses for launcher responses"},
	{Key: KeyProhibitedLocalIPs, Flag: flag(KeyProhibitedLocalIPs), Default: []string{}, Description: "Local IP regexes excluded from response address selection"},
}

var DistributedOptions = []ConfigOption{
	{Key: KeyRemoteHosts, Flag: flag(KeyRemoteHosts), Default: []string{"localhost"}, Description: "Hosts on which kernels can be launched"},
	{Key: KeyLoadBalancingAlgorithm, Flag: flag(KeyLoadBalancingAlgorithm), Default: "round-robin", Description: "Host selection algorithm: round-robin or least-connection"},
	{Key: KeyRemoteUser, Flag: flag(KeyRemoteUser), Default: "", Description: "Username for SSH access to remote hosts"},
	{Key: KeyRemotePwd, Flag: flag(KeyRemotePwd), Default: "", Description: "Password for SSH access to remote hosts"},
	{Key: KeyRemoteGSSSSH, Flag: flag(KeyRemoteGSSSSH), Default: false, Description: "Use ambient (GSS) credentials for SSH access"},
}

var YarnOptions = []ConfigOption{
	{Key: KeyYarnEndpoint, Flag: flag(KeyYarnEndpoint), Default: "", Description: "YARN resource manager endpoint"},
	{Key: KeyAltYarnEndpoint, Flag: flag(KeyAltYarnEndpoint), Default: "", Description: "Alternate YARN resource manager endpoint (HA)"},
	{Key: KeyYarnEndpointSecurityEnabled, Flag: flag(KeyYarnEndpointSecurityEnabled), Default: false, Description: "YARN endpoint requires authenticated requests"},
	{Key: KeyImpersonationEnabled, Flag: flag(KeyImpersonationEnabled), Default: false, Description: "Impersonate KERNEL_USERNAME during kernel launch"},
	{Key: KeyYarnShutdownWaitTime, Flag: flag(KeyYarnShutdownWaitTime), Default: 15 * time.Second, Description: "Minimum shutdown wait time for YARN applications"},
}

var ContainerOptions = []ConfigOption{
	{Key: KeyImageName, Flag: flag(KeyImageName), Default: "", Description: "Image used for container-based kernels"},
	{Key: KeyExecutorImageName, Flag: flag(KeyExecutorImageName), Default: "", Description: "Image used for Spark executors (defaults to image-name)"},
	{Key: KeyProhibitedUIDs, Flag: flag(KeyProhibitedUIDs), Default: []string{"0"}, Description: "UIDs denied for container-based kernels"},
	{Key: KeyProhibitedGIDs, Flag: flag(KeyProhibitedGIDs), Default: []string{"0"}, Description: "GIDs denied for container-based kernels"},
	{Key: KeyMirrorWorkingDirs, Flag: flag(KeyMirrorWorkingDirs), Default: false, Description: "Propagate KERNEL_WORKING_DIR into containers"},
	{Key: KeyDockerNetwork, Flag: flag(KeyDockerNetwork), Default: "bridge", Description: "Docker network used by kernel containers"},
}

var CRDOptions = []ConfigOption{
	{Key: KeyCRDGroup, Flag: flag(KeyCRDGroup), Default: "sparkoperator.k8s.io", Description: "API group of the kernel custom resource"},
	{Key: KeyCRDVersion, Flag: flag(KeyCRDVersion), Default: "v1beta2", Description: "API version of the kernel custom resource"},
	{Key: KeyCRDPlural, Flag: flag(KeyCRDPlural), Default: "sparkapplications", Description: "Plural name of the kernel custom resource"},
}

var KubernetesOptions = []ConfigOption{
	{Key: KeyKernelNamespace, Flag: flag(KeyKernelNamespace), Default: "default", Description: "Namespace in which the provisioner runs"},
	{Key: KeySharedNamespace, Flag: flag(KeySharedNamespace), Default: true, Description: "Launch all kernels into the provisioner's namespace"},
	{Key: KeyKernelServiceAccountName, Flag: flag(KeyKernelServiceAccountName), Default: "default", Description: "Service account bound in created kernel namespaces"},
	{Key: KeyKernelClusterRole, Flag: flag(KeyKernelClusterRole), Default: "cluster-admin", Description: "Cluster role referenced by kernel role bindings"},
	{Key: KeyAppName, Flag: flag(KeyAppName), Default: "kernel-provisioner", Description: "Application label applied to created kernel objects"},
}
