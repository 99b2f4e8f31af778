package resolve

import "github.com/c0deZ3R0/go-conflict-kit/value"

// TextThreshold is the code-point length from which a string is text.
const TextThreshold = 100

// Classify maps a value's shape to its FieldType. It is total: shapes the
// engine does not understand are FieldDefault.
func Classify(v value.Value) FieldType {
	switch v.Kind() {
	case value.KindString:
		if v.Len() >= TextThreshold {
			return FieldText
		}
		return FieldString
	case value.KindNumber:
		return FieldNumber
	case value.KindBool:
		return FieldBoolean
	case value.KindList:
		return FieldList
	case value.KindMap:
		return FieldJSON
	default:
		return FieldDefault
	}
}
