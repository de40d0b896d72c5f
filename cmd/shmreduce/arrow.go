package main

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-shmreduce/internal/simd"
)

var resultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "index", Type: arrow.PrimitiveTypes.Int32},
		{Name: "bf16", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "value", Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

// resultRecord holds a reduced bf16 buffer both as raw bits and widened.
func resultRecord(pool memory.Allocator, data []uint16) arrow.RecordBatch {
	idx := array.NewInt32Builder(pool)
	defer idx.Release()
	bits := array.NewUint16Builder(pool)
	defer bits.Release()
	vals := array.NewFloat32Builder(pool)
	defer vals.Release()

	widened := make([]float32, len(data))
	simd.ToFloat32(widened, data)

	idx.Reserve(len(data))
	for i := range data {
		idx.UnsafeAppend(int32(i))
	}
	bits.AppendValues(data, nil)
	vals.AppendValues(widened, nil)

	idxArr := idx.NewArray()
	defer idxArr.Release()
	bitsArr := bits.NewArray()
	defer bitsArr.Release()
	valsArr := vals.NewArray()
	defer valsArr.Release()

	return array.NewRecordBatch(resultSchema, []arrow.Array{idxArr, bitsArr, valsArr}, int64(len(data)))
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// dumpResult writes data to path as an Arrow IPC stream.
func dumpResult(path string, data []uint16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	rec := resultRecord(memory.NewGoAllocator(), data)
	defer rec.Release()
	if err := writeArrowStream(f, rec); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
