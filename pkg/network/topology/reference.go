package topology

// Reference returns the specs of the reference lab: a client reaching a
// cluster node (host0) either over a VPN or over the internet and a public
// segment, and a service (serv0) living behind host0 on the service segment.
//
//	client --vpn-- r_host --host-- host0 --service-- serv0
//	   |                             |
//	r_client --internet-- r_pub --public
func Reference() ([]SegmentSpec, []NodeSpec, []LinkSpec) {
	segments := []SegmentSpec{
		{Name: "vpn", CIDR: "10.255.12.192/27"},
		{Name: "host", CIDR: "10.30.6.0/23"},
		{Name: "internet", CIDR: "192.168.100.0/24"},
		{Name: "cluster", CIDR: "10.128.0.0/14"},
		{Name: "service", CIDR: "172.30.0.0/16"},
		{Name: "public", CIDR: "10.94.61.0/24"},
		{Name: "client", CIDR: "192.168.110.0/24"},
	}

	nodes := []NodeSpec{
		{
			Name: "r_host",
			Links: []InterfaceSpec{
				{Segment: "host", Address: "gateway"},
				{Segment: "vpn"},
			},
		},
		{
			Name: "r_pub",
			Links: []InterfaceSpec{
				{Segment: "public", Address: "gateway"},
				{Segment: "internet"},
			},
			Routes: []RouteSpec{
				{To: "192.168.110.0/24", ViaNode: "r_client"},
			},
		},
		{
			Name: "r_client",
			Links: []InterfaceSpec{
				{Segment: "client", Address: "gateway"},
				{Segment: "internet"},
			},
			Routes: []RouteSpec{
				{To: "10.94.61.0/24", ViaNode: "r_pub"},
			},
		},
		{
			Name: "client",
			Links: []InterfaceSpec{
				{Segment: "client"},
				{Segment: "vpn"},
			},
			Routes: []RouteSpec{
				{To: "default", ViaGateway: "client"},
				{To: "10.30.6.0/23", ViaNode: "r_host"},
			},
		},
		{
			Name: "host0",
			Links: []InterfaceSpec{
				{Segment: "host"},
				{Segment: "public"},
				{Segment: "service", Address: "gateway"},
			},
			Routes: []RouteSpec{
				{To: "default", ViaGateway: "host"},
			},
		},
		{
			Name: "serv0",
			Links: []InterfaceSpec{
				{Segment: "service"},
			},
			Routes: []RouteSpec{
				{To: "default", ViaGateway: "service"},
			},
		},
	}

	return segments, nodes, nil
}
