package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gatord/gatord-core/internal/config"
)

// Capabilities field numbers, in config.Capabilities struct order.
const (
	fcapFDCloexec        = 1
	fcapAttrClockID      = 2
	fcapAttrContextSwitch = 3
	fcapAttrCommExec     = 4
	fcapAttrMmap2        = 5
	fcapSampleIdentifier = 6
	fcapCountSWDummy     = 7
	fcapAuxSupport       = 8
	fcapIoctlReadID      = 9
	fcapARMv7PMUDriver   = 10
	fcap64BitRegisterSet = 11
	fcapExcludeKernel    = 12
	fcapIsSystemWide     = 13
)

func marshalCapabilities(c config.Capabilities) []byte {
	var b []byte
	b = appendBoolField(b, fcapFDCloexec, c.HasFDCloexec)
	b = appendBoolField(b, fcapAttrClockID, c.HasAttrClockID)
	b = appendBoolField(b, fcapAttrContextSwitch, c.HasAttrContextSwitch)
	b = appendBoolField(b, fcapAttrCommExec, c.HasAttrCommExec)
	b = appendBoolField(b, fcapAttrMmap2, c.HasAttrMmap2)
	b = appendBoolField(b, fcapSampleIdentifier, c.HasSampleIdentifier)
	b = appendBoolField(b, fcapCountSWDummy, c.HasCountSWDummy)
	b = appendBoolField(b, fcapAuxSupport, c.HasAuxSupport)
	b = appendBoolField(b, fcapIoctlReadID, c.HasIoctlReadID)
	b = appendBoolField(b, fcapARMv7PMUDriver, c.HasARMv7PMUDriver)
	b = appendBoolField(b, fcap64BitRegisterSet, c.Use64BitRegisterSet)
	b = appendBoolField(b, fcapExcludeKernel, c.ExcludeKernel)
	b = appendBoolField(b, fcapIsSystemWide, c.IsSystemWide)
	return b
}

func unmarshalCapabilities(data []byte) (config.Capabilities, error) {
	var c config.Capabilities
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.VarintType {
			return c, fmt.Errorf("protocol: bad capabilities field")
		}
		data = data[n:]
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return c, fmt.Errorf("protocol: bad capabilities varint")
		}
		data = data[n:]
		set := v != 0
		switch num {
		case fcapFDCloexec:
			c.HasFDCloexec = set
		case fcapAttrClockID:
			c.HasAttrClockID = set
		case fcapAttrContextSwitch:
			c.HasAttrContextSwitch = set
		case fcapAttrCommExec:
			c.HasAttrCommExec = set
		case fcapAttrMmap2:
			c.HasAttrMmap2 = set
		case fcapSampleIdentifier:
			c.HasSampleIdentifier = set
		case fcapCountSWDummy:
			c.HasCountSWDummy = set
		case fcapAuxSupport:
			c.HasAuxSupport = set
		case fcapIoctlReadID:
			c.HasIoctlReadID = set
		case fcapARMv7PMUDriver:
			c.HasARMv7PMUDriver = set
		case fcap64BitRegisterSet:
			c.Use64BitRegisterSet = set
		case fcapExcludeKernel:
			c.ExcludeKernel = set
		case fcapIsSystemWide:
			c.IsSystemWide = set
		}
	}
	return c, nil
}

const (
	fclClusterID = 1
	fclName      = 2
	fclCPUIDs    = 3
)

func marshalClusterInfo(c config.ClusterInfo) []byte {
	var b []byte
	b = appendVarintField(b, fclClusterID, uint64(c.ClusterID))
	b = appendStringField(b, fclName, c.Name)
	if len(c.CPUIDs) > 0 {
		var packed []byte
		for _, id := range c.CPUIDs {
			packed = protowire.AppendVarint(packed, uint64(id))
		}
		b = appendBytesField(b, fclCPUIDs, packed)
	}
	return b
}

func unmarshalClusterInfo(data []byte) (config.ClusterInfo, error) {
	var c config.ClusterInfo
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("protocol: bad cluster tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("protocol: bad cluster varint")
			}
			data = data[n:]
			if num == fclClusterID {
				c.ClusterID = int(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, fmt.Errorf("protocol: bad cluster bytes")
			}
			data = data[n:]
			switch num {
			case fclName:
				c.Name = string(v)
			case fclCPUIDs:
				rest := v
				for len(rest) > 0 {
					id, n := protowire.ConsumeVarint(rest)
					if n < 0 {
						return c, fmt.Errorf("protocol: bad cluster cpuid")
					}
					c.CPUIDs = append(c.CPUIDs, uint32(id))
					rest = rest[n:]
				}
			}
		}
	}
	return c, nil
}

const (
	fcoreCore      = 1
	fcoreClusterID = 2
	fcoreCPUID     = 3
)

func marshalCoreInfo(c config.CoreInfo) []byte {
	var b []byte
	b = appendVarintField(b, fcoreCore, uint64(c.Core))
	b = appendVarintField(b, fcoreClusterID, uint64(c.ClusterID))
	b = appendVarintField(b, fcoreCPUID, uint64(c.CPUID))
	return b
}

func unmarshalCoreInfo(data []byte) (config.CoreInfo, error) {
	var c config.CoreInfo
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.VarintType {
			return c, fmt.Errorf("protocol: bad core field")
		}
		data = data[n:]
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return c, fmt.Errorf("protocol: bad core varint")
		}
		data = data[n:]
		switch num {
		case fcoreCore:
			c.Core = int(v)
		case fcoreClusterID:
			c.ClusterID = int(v)
		case fcoreCPUID:
			c.CPUID = uint32(v)
		}
	}
	return c, nil
}

const (
	funcoreName        = 1
	funcorePMUType     = 2
	funcoreEligibleCPU = 3
)

func marshalUncorePMU(u config.UncorePMU) []byte {
	var b []byte
	b = appendStringField(b, funcoreName, u.Name)
	b = appendVarintField(b, funcorePMUType, uint64(u.PMUType))
	if len(u.EligibleCPU) > 0 {
		var packed []byte
		for _, c := range u.EligibleCPU {
			packed = protowire.AppendVarint(packed, uint64(int64(c)))
		}
		b = appendBytesField(b, funcoreEligibleCPU, packed)
	}
	return b
}

func unmarshalUncorePMU(data []byte) (config.UncorePMU, error) {
	var u config.UncorePMU
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return u, fmt.Errorf("protocol: bad uncore tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return u, fmt.Errorf("protocol: bad uncore varint")
			}
			data = data[n:]
			if num == funcorePMUType {
				u.PMUType = uint32(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return u, fmt.Errorf("protocol: bad uncore bytes")
			}
			data = data[n:]
			switch num {
			case funcoreName:
				u.Name = string(v)
			case funcoreEligibleCPU:
				rest := v
				for len(rest) > 0 {
					c, n := protowire.ConsumeVarint(rest)
					if n < 0 {
						return u, fmt.Errorf("protocol: bad uncore eligible cpu")
					}
					u.EligibleCPU = append(u.EligibleCPU, int(int64(c)))
					rest = rest[n:]
				}
			}
		}
	}
	return u, nil
}

const (
	fevKey      = 1
	fevAttr     = 2
	fevIsSPE    = 3
	fevIsLeader = 4
	fevPMUType  = 5
)

func marshalEventSpec(e config.EventSpec) []byte {
	var b []byte
	b = appendVarintField(b, fevKey, uint64(e.Key))
	if len(e.Attr) > 0 {
		b = appendBytesField(b, fevAttr, e.Attr)
	}
	b = appendBoolField(b, fevIsSPE, e.IsSPE)
	b = appendBoolField(b, fevIsLeader, e.IsLeader)
	b = appendVarintField(b, fevPMUType, uint64(e.PMUType))
	return b
}

func unmarshalEventSpec(data []byte) (config.EventSpec, error) {
	var e config.EventSpec
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("protocol: bad event tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("protocol: bad event varint")
			}
			data = data[n:]
			switch num {
			case fevKey:
				e.Key = uint32(v)
			case fevIsSPE:
				e.IsSPE = v != 0
			case fevIsLeader:
				e.IsLeader = v != 0
			case fevPMUType:
				e.PMUType = uint32(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("protocol: bad event bytes")
			}
			data = data[n:]
			if num == fevAttr {
				e.Attr = append([]byte(nil), v...)
			}
		}
	}
	return e, nil
}

const (
	fgSelector  = 1
	fgClusterID = 2
	fgCPU       = 3
	fgUncoreKey = 4
	fgEvents    = 5
)

func marshalPerfGroup(g config.PerfGroup) []byte {
	var b []byte
	b = appendStringField(b, fgSelector, string(g.Selector))
	b = appendVarintField(b, fgClusterID, uint64(g.ClusterID))
	b = appendVarintField(b, fgCPU, uint64(g.CPU))
	b = appendStringField(b, fgUncoreKey, g.UncoreKey)
	for _, e := range g.Events {
		b = appendBytesField(b, fgEvents, marshalEventSpec(e))
	}
	return b
}

func unmarshalPerfGroup(data []byte) (config.PerfGroup, error) {
	var g config.PerfGroup
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return g, fmt.Errorf("protocol: bad group tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return g, fmt.Errorf("protocol: bad group varint")
			}
			data = data[n:]
			switch num {
			case fgClusterID:
				g.ClusterID = int(v)
			case fgCPU:
				g.CPU = int(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return g, fmt.Errorf("protocol: bad group bytes")
			}
			data = data[n:]
			switch num {
			case fgSelector:
				g.Selector = config.GroupSelector(v)
			case fgUncoreKey:
				g.UncoreKey = string(v)
			case fgEvents:
				e, err := unmarshalEventSpec(v)
				if err != nil {
					return g, err
				}
				g.Events = append(g.Events, e)
			}
		}
	}
	return g, nil
}

const (
	flArgv = 1
	flCwd  = 2
	flUID  = 3
	flGID  = 4
)

func marshalLaunchCommand(l config.LaunchCommand) []byte {
	var b []byte
	for _, a := range l.Argv {
		b = appendStringField(b, flArgv, a)
	}
	b = appendStringField(b, flCwd, l.Cwd)
	b = appendVarintField(b, flUID, uint64(l.UID))
	b = appendVarintField(b, flGID, uint64(l.GID))
	return b
}

func unmarshalLaunchCommand(data []byte) (config.LaunchCommand, error) {
	var l config.LaunchCommand
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return l, fmt.Errorf("protocol: bad launch tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return l, fmt.Errorf("protocol: bad launch varint")
			}
			data = data[n:]
			switch num {
			case flUID:
				l.UID = uint32(v)
			case flGID:
				l.GID = uint32(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return l, fmt.Errorf("protocol: bad launch bytes")
			}
			data = data[n:]
			switch num {
			case flArgv:
				l.Argv = append(l.Argv, string(v))
			case flCwd:
				l.Cwd = string(v)
			}
		}
	}
	return l, nil
}
