// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upsilon

import (
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
)

// nativeType maps a WebAssembly value type to its IR representation.
func nativeType(vt ValueType) (types.Type, error) {
	switch vt {
	case I32:
		return types.I32, nil
	case I64:
		return types.I64, nil
	case F32:
		return types.Float, nil
	case F64:
		return types.Double, nil
	default:
		return nil, formatErrorf("value type %v cannot be lowered", vt)
	}
}

// wasmType is the inverse of nativeType.
func wasmType(t types.Type) (ValueType, error) {
	switch {
	case types.Equal(t, types.I32):
		return I32, nil
	case types.Equal(t, types.I64):
		return I64, nil
	case types.Equal(t, types.Float):
		return F32, nil
	case types.Equal(t, types.Double):
		return F64, nil
	default:
		return nil, formatErrorf("native type %v has no value type", t)
	}
}

// nativeResultType returns void for an empty result list.
func nativeResultType(results []ValueType) (types.Type, error) {
	switch len(results) {
	case 0:
		return types.Void, nil
	case 1:
		return nativeType(results[0])
	default:
		return nil, formatErrorf("multiple results (%d) cannot be lowered", len(results))
	}
}

func nativeFuncType(ft FunctionType) (*types.FuncType, error) {
	ret, err := nativeResultType(ft.ResultTypes)
	if err != nil {
		return nil, err
	}
	params := make([]types.Type, len(ft.ParamTypes))
	for i, p := range ft.ParamTypes {
		if params[i], err = nativeType(p); err != nil {
			return nil, err
		}
	}
	return types.NewFunc(ret, params...), nil
}

// zeroValue is the IR constant WebAssembly locals start with.
func zeroValue(t types.Type) constant.Constant {
	switch t := t.(type) {
	case *types.IntType:
		return constant.NewInt(t, 0)
	case *types.FloatType:
		return constant.NewFloat(t, 0)
	default:
		return constant.NewZeroInitializer(t)
	}
}
