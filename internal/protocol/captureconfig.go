// Package protocol marshals config.CaptureConfiguration to and from the
// protobuf-suffix bytes carried by the perf_capture_configuration IPC
// message (spec.md §3/§4.8). It is hand-written against
// google.golang.org/protobuf/encoding/protowire rather than protoc-generated
// code, since no .proto compiler runs in this build (see DESIGN.md).
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gatord/gatord-core/internal/config"
)

// Field numbers for CaptureConfiguration.
const (
	fLiveRateMs      = 1
	fSampleRateHz    = 2
	fBufferSizeKB    = 3
	fOneShot         = 4
	fExcludeKernel   = 5
	fStopOnExit      = 6
	fCapabilities    = 7
	fClusters        = 8
	fCores           = 9
	fUncore          = 10
	fCPUIDNames      = 11
	fHeaderSelector  = 12
	fGroups          = 13
	fRingPageSize    = 14
	fRingDataPages   = 15
	fRingAuxPages    = 16
	fLaunch          = 17
	fWaitForProcess  = 18
	fAndroidPackage  = 19
	fInitialPids     = 20
	fEnableOnExec    = 21
	fStopPids        = 22
)

// MarshalCaptureConfiguration encodes cfg as a protobuf message.
func MarshalCaptureConfiguration(cfg *config.CaptureConfiguration) []byte {
	var b []byte
	b = appendVarintField(b, fLiveRateMs, uint64(cfg.LiveRateMs))
	b = appendVarintField(b, fSampleRateHz, uint64(cfg.SampleRateHz))
	b = appendVarintField(b, fBufferSizeKB, uint64(cfg.BufferSizeKB))
	b = appendBoolField(b, fOneShot, cfg.OneShot)
	b = appendBoolField(b, fExcludeKernel, cfg.ExcludeKernel)
	b = appendBoolField(b, fStopOnExit, cfg.StopOnExit)
	b = appendBytesField(b, fCapabilities, marshalCapabilities(cfg.Capabilities))

	for _, c := range cfg.Clusters {
		b = appendBytesField(b, fClusters, marshalClusterInfo(c))
	}
	for _, c := range cfg.Cores {
		b = appendBytesField(b, fCores, marshalCoreInfo(c))
	}
	for _, u := range cfg.Uncore {
		b = appendBytesField(b, fUncore, marshalUncorePMU(u))
	}
	for k, v := range cfg.CPUIDNames {
		entry := protowire.AppendTag(nil, 1, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(k))
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, v)
		b = appendBytesField(b, fCPUIDNames, entry)
	}

	b = appendStringField(b, fHeaderSelector, string(cfg.HeaderSelector))
	for _, g := range cfg.Groups {
		b = appendBytesField(b, fGroups, marshalPerfGroup(g))
	}
	b = appendVarintField(b, fRingPageSize, uint64(cfg.RingPageSize))
	b = appendVarintField(b, fRingDataPages, uint64(cfg.RingDataPages))
	b = appendVarintField(b, fRingAuxPages, uint64(cfg.RingAuxPages))

	if cfg.Launch != nil {
		b = appendBytesField(b, fLaunch, marshalLaunchCommand(*cfg.Launch))
	}
	b = appendStringField(b, fWaitForProcess, cfg.WaitForProcess)
	b = appendStringField(b, fAndroidPackage, cfg.AndroidPackage)

	var pids []byte
	for _, p := range cfg.InitialPids {
		pids = protowire.AppendVarint(pids, uint64(int64(p)))
	}
	if len(pids) > 0 {
		b = appendBytesField(b, fInitialPids, pids)
	}
	b = appendBoolField(b, fEnableOnExec, cfg.EnableOnExec)
	b = appendBoolField(b, fStopPids, cfg.StopPids)

	return b
}

// UnmarshalCaptureConfiguration decodes the bytes produced by
// MarshalCaptureConfiguration back into a CaptureConfiguration.
func UnmarshalCaptureConfiguration(data []byte) (*config.CaptureConfiguration, error) {
	cfg := &config.CaptureConfiguration{CPUIDNames: make(map[uint32]string)}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("protocol: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: bad varint: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if err := applyVarintField(cfg, int(num), v); err != nil {
				return nil, err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: bad bytes field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if err := applyBytesField(cfg, int(num), v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: skipping unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return cfg, nil
}

func applyVarintField(cfg *config.CaptureConfiguration, num int, v uint64) error {
	switch num {
	case fLiveRateMs:
		cfg.LiveRateMs = int64(v)
	case fSampleRateHz:
		cfg.SampleRateHz = int64(v)
	case fBufferSizeKB:
		cfg.BufferSizeKB = int(v)
	case fOneShot:
		cfg.OneShot = v != 0
	case fExcludeKernel:
		cfg.ExcludeKernel = v != 0
	case fStopOnExit:
		cfg.StopOnExit = v != 0
	case fRingPageSize:
		cfg.RingPageSize = int(v)
	case fRingDataPages:
		cfg.RingDataPages = int(v)
	case fRingAuxPages:
		cfg.RingAuxPages = int(v)
	case fEnableOnExec:
		cfg.EnableOnExec = v != 0
	case fStopPids:
		cfg.StopPids = v != 0
	}
	return nil
}

func applyBytesField(cfg *config.CaptureConfiguration, num int, v []byte) error {
	switch num {
	case fCapabilities:
		caps, err := unmarshalCapabilities(v)
		if err != nil {
			return err
		}
		cfg.Capabilities = caps
	case fClusters:
		c, err := unmarshalClusterInfo(v)
		if err != nil {
			return err
		}
		cfg.Clusters = append(cfg.Clusters, c)
	case fCores:
		c, err := unmarshalCoreInfo(v)
		if err != nil {
			return err
		}
		cfg.Cores = append(cfg.Cores, c)
	case fUncore:
		u, err := unmarshalUncorePMU(v)
		if err != nil {
			return err
		}
		cfg.Uncore = append(cfg.Uncore, u)
	case fCPUIDNames:
		key, val, err := unmarshalMapEntry(v)
		if err != nil {
			return err
		}
		cfg.CPUIDNames[key] = val
	case fHeaderSelector:
		cfg.HeaderSelector = config.GroupSelector(v)
	case fGroups:
		g, err := unmarshalPerfGroup(v)
		if err != nil {
			return err
		}
		cfg.Groups = append(cfg.Groups, g)
	case fLaunch:
		l, err := unmarshalLaunchCommand(v)
		if err != nil {
			return err
		}
		cfg.Launch = &l
	case fWaitForProcess:
		cfg.WaitForProcess = string(v)
	case fAndroidPackage:
		cfg.AndroidPackage = string(v)
	case fInitialPids:
		rest := v
		for len(rest) > 0 {
			n, consumed := protowire.ConsumeVarint(rest)
			if consumed < 0 {
				return fmt.Errorf("protocol: bad initial_pids entry: %w", protowire.ParseError(consumed))
			}
			cfg.InitialPids = append(cfg.InitialPids, int(int64(n)))
			rest = rest[consumed:]
		}
	}
	return nil
}

func unmarshalMapEntry(v []byte) (uint32, string, error) {
	var key uint32
	var val string
	for len(v) > 0 {
		num, typ, n := protowire.ConsumeTag(v)
		if n < 0 {
			return 0, "", fmt.Errorf("protocol: bad map entry tag: %w", protowire.ParseError(n))
		}
		v = v[n:]
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, "", fmt.Errorf("protocol: bad map entry varint: %w", protowire.ParseError(n))
			}
			v = v[n:]
			if num == 1 {
				key = uint32(x)
			}
		case protowire.BytesType:
			x, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, "", fmt.Errorf("protocol: bad map entry bytes: %w", protowire.ParseError(n))
			}
			v = v[n:]
			if num == 2 {
				val = string(x)
			}
		}
	}
	return key, val, nil
}

func appendVarintField(dst []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return dst
	}
	dst = protowire.AppendTag(dst, num, protowire.VarintType)
	return protowire.AppendVarint(dst, v)
}

func appendBoolField(dst []byte, num protowire.Number, v bool) []byte {
	if !v {
		return dst
	}
	dst = protowire.AppendTag(dst, num, protowire.VarintType)
	return protowire.AppendVarint(dst, 1)
}

func appendStringField(dst []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return dst
	}
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	return protowire.AppendString(dst, v)
}

func appendBytesField(dst []byte, num protowire.Number, v []byte) []byte {
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	return protowire.AppendBytes(dst, v)
}
