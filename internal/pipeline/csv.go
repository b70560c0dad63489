package pipeline

import (
	"fmt"
	"io"
	"strings"
)

// CSVRow 是按表头位置对应的一行数据。
type CSVRow map[string]string

// ParseCSV 解析表单字段模板：首行按逗号切分作为表头，之后每个非空行按位置对应，
// 缺失的值记为空字符串。不支持引号转义，字段内不能包含逗号。
func ParseCSV(r io.Reader) ([]CSVRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("读取 CSV 失败: %w", err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, nil
	}

	header := strings.Split(lines[0], ",")
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []CSVRow
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(line, ",")
		row := make(CSVRow, len(header))
		for i, h := range header {
			if i < len(values) {
				row[h] = strings.TrimSpace(values[i])
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// lookup 依次尝试多个表头写法，返回第一个存在的值。
func (r CSVRow) lookup(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			return v
		}
	}
	return ""
}

// Field 返回字段名，兼容 field_label 与 Field 两种表头。
func (r CSVRow) Field() string {
	return r.lookup("field_label", "Field")
}

// Text 生成用于向量化的行文本。
func (r CSVRow) Text() string {
	return fmt.Sprintf("Category: %s\nField: %s\nRequired: %s\nInstructions: %s",
		r.lookup("category", "Category"),
		r.Field(),
		r.lookup("required", "Required"),
		r.lookup("instructions", "Instructions"),
	)
}
