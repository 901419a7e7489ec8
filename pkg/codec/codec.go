// Copyright 2016 DeepFabric, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

// Fixed width big-endian records moved by the collectives and exposed over
// the C ABI. A key is its anchor triple plus the packed Morton value; a
// point is its coordinate triple, global index and key.
const (
	// KeySize is the wire size of one Morton key.
	KeySize = 32
	// PointSize is the wire size of one point.
	PointSize = 64
)

// EncodeKeys encodes keys into a flat buffer.
func EncodeKeys(keys []morton.MortonKey) []byte {
	data := make([]byte, KeySize*len(keys))
	for i, k := range keys {
		putKey(data[KeySize*i:], k)
	}

	return data
}

// DecodeKeys decodes a flat buffer of keys.
func DecodeKeys(data []byte) ([]morton.MortonKey, error) {
	if len(data)%KeySize != 0 {
		return nil, errors.Errorf("invalid keys buffer, must be a multiple of %d bytes, but %d",
			KeySize, len(data))
	}

	keys := make([]morton.MortonKey, len(data)/KeySize)
	for i := range keys {
		keys[i] = getKey(data[KeySize*i:])
	}

	return keys, nil
}

// EncodePoints encodes points into a flat buffer.
func EncodePoints(points []morton.Point) []byte {
	data := make([]byte, PointSize*len(points))
	for i, p := range points {
		buf := data[PointSize*i:]
		for j := 0; j < 3; j++ {
			binary.BigEndian.PutUint64(buf[8*j:], math.Float64bits(p.Coordinate[j]))
		}
		binary.BigEndian.PutUint64(buf[24:], p.GlobalIdx)
		putKey(buf[32:], p.Key)
	}

	return data
}

// DecodePoints decodes a flat buffer of points.
func DecodePoints(data []byte) ([]morton.Point, error) {
	if len(data)%PointSize != 0 {
		return nil, errors.Errorf("invalid points buffer, must be a multiple of %d bytes, but %d",
			PointSize, len(data))
	}

	points := make([]morton.Point, len(data)/PointSize)
	for i := range points {
		buf := data[PointSize*i:]

		var p morton.Point
		for j := 0; j < 3; j++ {
			p.Coordinate[j] = math.Float64frombits(binary.BigEndian.Uint64(buf[8*j:]))
		}
		p.GlobalIdx = binary.BigEndian.Uint64(buf[24:])
		p.Key = getKey(buf[32:])

		points[i] = p
	}

	return points, nil
}

// EncodeDomain encodes a domain's origin and diameter.
func EncodeDomain(d *morton.Domain) []byte {
	data := make([]byte, 48)
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint64(data[8*i:], math.Float64bits(d.Origin[i]))
		binary.BigEndian.PutUint64(data[24+8*i:], math.Float64bits(d.Diameter[i]))
	}

	return data
}

// DecodeDomain decodes a domain buffer.
func DecodeDomain(data []byte) (*morton.Domain, error) {
	if len(data) != 48 {
		return nil, errors.Errorf("invalid domain buffer, must 48 bytes, but %d", len(data))
	}

	d := &morton.Domain{}
	for i := 0; i < 3; i++ {
		d.Origin[i] = math.Float64frombits(binary.BigEndian.Uint64(data[8*i:]))
		d.Diameter[i] = math.Float64frombits(binary.BigEndian.Uint64(data[24+8*i:]))
	}

	return d, nil
}

func putKey(buf []byte, k morton.MortonKey) {
	binary.BigEndian.PutUint64(buf[0:], k.Anchor[0])
	binary.BigEndian.PutUint64(buf[8:], k.Anchor[1])
	binary.BigEndian.PutUint64(buf[16:], k.Anchor[2])
	binary.BigEndian.PutUint64(buf[24:], k.Morton)
}

func getKey(buf []byte) morton.MortonKey {
	return morton.MortonKey{
		Anchor: [3]uint64{
			binary.BigEndian.Uint64(buf[0:]),
			binary.BigEndian.Uint64(buf[8:]),
			binary.BigEndian.Uint64(buf[16:]),
		},
		Morton: binary.BigEndian.Uint64(buf[24:]),
	}
}
