package harness

import (
	"fmt"
	"strings"
)

// GeneratePreamble emits the OKL prelude compiled ahead of every test
// kernel. It defines the shared channel constants, the dispatch dimensions,
// and the KT_ASSERT macro.
//
// Convention: every test kernel takes `int *kt_results` and `int *kt_cursor`
// as its first two parameters; the harness binds the result channel and the
// slot cursor there. KT_ASSERT claims the next free slot with an atomic
// fetch-and-increment on kt_cursor[0] and stores (line, outcome) into the
// claimed slot. A claimed index past KT_CAPACITY is never written; the host
// detects the overflow from the cursor value after read-back.
//
// The trailing #line directive resets __LINE__ so assertion lines refer to
// the user's kernel file, not the concatenated source.
func GeneratePreamble(capacity int, dims [3]int) string {
	var sb strings.Builder

	sb.WriteString("// oklunit prelude\n")
	sb.WriteString(fmt.Sprintf("#define KT_CAPACITY %d\n", capacity))
	sb.WriteString("#define KT_UNSET (-1)\n")
	sb.WriteString(fmt.Sprintf("#define KT_DISPATCH_X %d\n", dims[0]))
	sb.WriteString(fmt.Sprintf("#define KT_DISPATCH_Y %d\n", dims[1]))
	sb.WriteString(fmt.Sprintf("#define KT_DISPATCH_Z %d\n", dims[2]))
	sb.WriteString("\n")

	sb.WriteString(`#define KT_ASSERT_AT(cond, line)                    \
do {                                                 \
  int kt_slot;                                       \
  @atomic kt_slot = kt_cursor[0]++;                  \
  if (kt_slot < KT_CAPACITY) {                       \
    kt_results[2 * kt_slot]     = (line);            \
    kt_results[2 * kt_slot + 1] = (cond) ? 1 : 0;    \
  }                                                  \
} while (0)

#define KT_ASSERT(cond) KT_ASSERT_AT((cond), __LINE__)
`)
	sb.WriteString("\n#line 1\n")

	return sb.String()
}
