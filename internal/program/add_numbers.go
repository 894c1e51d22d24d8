package program

// The add-numbers program ignores its inputs and logs two predefined numbers
// and their sum.
const (
	AddNumbersName = "add_numbers"

	Number1 uint16 = 5
	Number2 uint16 = 7
)

// AddNumbers is the add-numbers instruction handler. It accepts any program
// ID, accounts and instruction data and always succeeds.
func AddNumbers(ctx Context) error {
	ctx.Msg("Add predefined numbers program started.")

	number1 := Number1
	number2 := Number2
	sum := number1 + number2

	ctx.Msg("Number 1: %d", number1)
	ctx.Msg("Number 2: %d", number2)
	ctx.Msg("Sum: %d", sum)

	return nil
}

// AddNumbersLogs returns the records AddNumbers emits, in order.
func AddNumbersLogs() []string {
	return []string{
		"Add predefined numbers program started.",
		"Number 1: 5",
		"Number 2: 7",
		"Sum: 12",
	}
}

var _ Entrypoint = AddNumbers
