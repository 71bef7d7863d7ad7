/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package tensors

import (
	"bytes"
	"encoding/gob"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// GobSerialize the Buffer in binary format: dtype, device and the flat data.
// The attached gradient, if any, is not serialized.
//
// It returns an error for I/O errors. It panics for invalid buffers.
func (b *Buffer) GobSerialize(encoder *gob.Encoder) (err error) {
	b.AssertValid()
	if err = encoder.Encode(b.dtype); err != nil {
		return errors.Wrapf(err, "failed to serialize Buffer dtype")
	}
	if err = encoder.Encode(b.device); err != nil {
		return errors.Wrapf(err, "failed to serialize Buffer device")
	}
	switch flat := b.flat.(type) {
	case []float16.Float16:
		err = encoder.Encode(flat)
	case []bfloat16.BFloat16:
		err = encoder.Encode(flat)
	case []float32:
		err = encoder.Encode(flat)
	case []float64:
		err = encoder.Encode(flat)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to serialize Buffer data")
	}
	return
}

// GobDeserialize a Buffer from the decoder.
func GobDeserialize(decoder *gob.Decoder) (b *Buffer, err error) {
	var dtype dtypes.DType
	if err = decoder.Decode(&dtype); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Buffer dtype")
	}
	var device Device
	if err = decoder.Decode(&device); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Buffer device")
	}
	b = &Buffer{dtype: dtype, device: device}
	switch dtype {
	case dtypes.Float16:
		var flat []float16.Float16
		err = decoder.Decode(&flat)
		b.flat = flat
	case dtypes.BFloat16:
		var flat []bfloat16.BFloat16
		err = decoder.Decode(&flat)
		b.flat = flat
	case dtypes.Float32:
		var flat []float32
		err = decoder.Decode(&flat)
		b.flat = flat
	case dtypes.Float64:
		var flat []float64
		err = decoder.Decode(&flat)
		b.flat = flat
	default:
		return nil, errors.Errorf("cannot deserialize Buffer with dtype %s", dtype)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Buffer data")
	}
	return b, nil
}

// GobEncode implements gob.GobEncoder, so Buffers nested in other structures
// (checkpoint state dicts) serialize transparently.
func (b *Buffer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.GobSerialize(gob.NewEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (b *Buffer) GobDecode(data []byte) error {
	decoded, err := GobDeserialize(gob.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return err
	}
	*b = *decoded
	return nil
}
