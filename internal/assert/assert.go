// Package assert panics on programmer errors in constructor arguments.
package assert

import (
	"fmt"
	"reflect"
)

// NotNil panics when value is nil, including a nil pointer, map, slice,
// func or chan stored in an interface.
func NotNil(value any, name string) {
	if isNil(value) {
		panic(fmt.Sprintf("expected %s to be not nil", name))
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
