package checkpoints

import (
	"math"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints are a snappy block holding a protobuf-wire message:
//
//	Checkpoint    { 1: ModelSpec, 2: repeated Weight, 3: TrainingState, 4: Metadata }
//	ModelSpec     { 1: kind, 2: image_size, 3: num_classes, 4: parameters }
//	Weight        { 1: name, 2: packed shape, 3: packed fixed32 data }
//	TrainingState { 1: fold, 2: epoch, 3: fixed64 best_loss }
//	Metadata      { 1: version, 2: framework, 3: run_id, 4: zigzag unix nanos,
//	                5: description, 6: repeated Tag { 1: key, 2: value } }
var binaryMagic = []byte("KGCK\x01")

func encodeBinary(cp *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendMessage(b, 1, encodeModelSpec(cp.Model))
	for _, w := range cp.Weights {
		if len(w.Data) != numElements(w.Shape) {
			return nil, errors.Errorf("weight %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		b = appendMessage(b, 2, encodeWeight(w))
	}
	b = appendMessage(b, 3, encodeTrainingState(cp.TrainingState))
	b = appendMessage(b, 4, encodeMetadata(cp.Metadata))

	out := append([]byte{}, binaryMagic...)
	return append(out, snappy.Encode(nil, b)...), nil
}

func decodeBinary(data []byte) (*Checkpoint, error) {
	raw, err := snappy.Decode(nil, data[len(binaryMagic):])
	if err != nil {
		return nil, errors.Wrap(err, "snappy")
	}

	cp := &Checkpoint{}
	err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return 0, nil
		}
		msg, n, err := consumeMessage(typ, b)
		if err != nil {
			return n, err
		}
		switch num {
		case 1:
			cp.Model, err = decodeModelSpec(msg)
		case 2:
			var w WeightTensor
			w, err = decodeWeight(msg)
			cp.Weights = append(cp.Weights, w)
		case 3:
			cp.TrainingState, err = decodeTrainingState(msg)
		case 4:
			cp.Metadata, err = decodeMetadata(msg)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func encodeModelSpec(m ModelSpec) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Kind)
	b = appendInt(b, 2, m.ImageSize)
	b = appendInt(b, 3, m.NumClasses)
	b = appendInt(b, 4, m.Parameters)
	return b
}

func decodeModelSpec(b []byte) (ModelSpec, error) {
	var m ModelSpec
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			m.Kind = s
			return n, err
		case 2:
			return consumeInt(typ, b, &m.ImageSize)
		case 3:
			return consumeInt(typ, b, &m.NumClasses)
		case 4:
			return consumeInt(typ, b, &m.Parameters)
		}
		return 0, nil
	})
	return m, errors.Wrap(err, "model spec")
}

func encodeWeight(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			w.Name = s
			return n, err
		case 2:
			packed, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return n, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(v))
				packed = packed[m:]
			}
			return n, nil
		case 3:
			packed, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			if len(packed)%4 != 0 {
				return n, errors.Errorf("weight data length %d is not a multiple of 4", len(packed))
			}
			w.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return n, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return w, errors.Wrap(err, "weight")
	}
	if len(w.Data) != numElements(w.Shape) {
		return w, errors.Errorf("weight %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}
	return w, nil
}

func encodeTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendInt(b, 1, s.Fold)
	b = appendInt(b, 2, s.Epoch)
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestLoss))
	return b
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &s.Fold)
		case 2:
			return consumeInt(typ, b, &s.Epoch)
		case 3:
			if typ != protowire.Fixed64Type {
				return 0, errors.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			s.BestLoss = math.Float64frombits(v)
			return n, nil
		}
		return 0, nil
	})
	return s, errors.Wrap(err, "training state")
}

func encodeMetadata(m CheckpointMetadata) []byte {
	var b []byte
	for i, s := range []string{m.Version, m.Framework, m.RunID} {
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	if m.Description != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	for k, v := range m.Tags {
		var tag []byte
		tag = protowire.AppendTag(tag, 1, protowire.BytesType)
		tag = protowire.AppendString(tag, k)
		tag = protowire.AppendTag(tag, 2, protowire.BytesType)
		tag = protowire.AppendString(tag, v)
		b = appendMessage(b, 6, tag)
	}
	return b
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3, 5:
			s, n, err := consumeString(typ, b)
			switch num {
			case 1:
				m.Version = s
			case 2:
				m.Framework = s
			case 3:
				m.RunID = s
			case 5:
				m.Description = s
			}
			return n, err
		case 4:
			if typ != protowire.VarintType {
				return 0, errors.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		case 6:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			var key, value string
			err = walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					s, n, err := consumeString(typ, b)
					key = s
					return n, err
				case 2:
					s, n, err := consumeString(typ, b)
					value = s
					return n, err
				}
				return 0, nil
			})
			if m.Tags == nil {
				m.Tags = make(map[string]string)
			}
			m.Tags[key] = value
			return n, err
		}
		return 0, nil
	})
	return m, errors.Wrap(err, "metadata")
}

// walkFields calls fn for every field of a message. fn returns the number of
// bytes it consumed; 0 skips the field.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func consumeInt(typ protowire.Type, b []byte, dst *int) (int, error) {
	if typ != protowire.VarintType {
		return 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = int(protowire.DecodeZigZag(v))
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeMessage(typ, b)
	return string(v), n, err
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
